package auth

import (
	"strings"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Allow matches the principal's permissions against "resourceType:action",
// honoring the wildcard forms "resourceType:*" and "*:*". Admin and service
// roles short-circuit to allow: service tokens act for the whole tenant.
func Allow(p models.Principal, action, resourceType string) bool {
	if p.HasRole("admin") || p.HasRole("service") {
		return true
	}

	want := resourceType + ":" + action
	for _, perm := range p.Permissions {
		if perm == want || perm == "*:*" {
			return true
		}
		if res, ok := strings.CutSuffix(perm, ":*"); ok && res == resourceType {
			return true
		}
	}
	return false
}
