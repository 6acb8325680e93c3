// ABOUTME: Permission source that allows every caller everything.
// ABOUTME: Intended for local development; never for shared deployments.

package authz

import "context"

// AllowAll implements PermissionSource by allowing every operation.
type AllowAll struct{}

// IsAllowed implements PermissionSource.
func (AllowAll) IsAllowed(context.Context, string, string, string) (Decision, error) {
	return Allow, nil
}
