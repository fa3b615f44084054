package store

import "fmt"

// Resource names a logical table for building tenant-scoped cache/lock keys.
// The idempotency and coordination packages build their own Redis keys and
// do not use it.
type Resource string

const (
	ResourceAgent Resource = "agents"
	ResourceTask  Resource = "tasks"
)

// TenantKey builds a fully qualified key for a tenant-scoped resource:
// "taskbroker:tenants:{tenantID}:{resource}:{id}"
func TenantKey(tenantID string, resource Resource, id string) string {
	return fmt.Sprintf("taskbroker:tenants:%s:%s:%s", tenantID, resource, id)
}
