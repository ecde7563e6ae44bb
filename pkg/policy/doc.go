// Package policy vetoes instance deletions with Open Policy Agent (OPA)
// Rego policies.
//
// A Guard implements engine.DeletionGuard. Before the delete_instances
// workflow removes an instance it asks the guard, which evaluates the
// deny rule of every enabled policy against an Input document:
//
//	{
//	  "event":    {"id": 7, "workflow": "delete_instances", "hosts": ["c1"]},
//	  "instance": {"uuid": "...", "status": "ACTIVE", "metadata": {...}},
//	  "group":    [ ...other members of the instance's HA group... ],
//	  "now":      "2024-03-04T10:00:00Z"
//	}
//
// Deny entries are either message strings or objects carrying "message" and
// "severity". Violations of severity error or critical deny the deletion;
// info and warning violations are only logged. The workflow retries denied
// instances on its next step.
//
// # Built-in Policies
//
// ha-group-minimum refuses to delete an instance annotated with
// ha_group_id and ha_group_min when fewer than ha_group_min other members
// of the group would remain ACTIVE and not already deleting.
//
// # Site Policies
//
// Extra policies are read from the configured paths: .rego files, named
// after the file, or JSON policy definitions. Config.Data is visible to
// them under data:
//
//	package site.freeze
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.instance.tenant_id in data.frozen_tenants
//	    msg := sprintf("tenant %s is frozen", [input.instance.tenant_id])
//	}
//
// With watch enabled the loader reloads the paths when they change. A
// reload that fails to compile keeps the previous policies.
package policy
