package policy

// BuiltinPolicies returns the policies compiled into every guard.
func BuiltinPolicies() []Policy {
	return []Policy{
		haGroupMinimumPolicy(),
	}
}

// haGroupMinimumPolicy refuses to delete an instance when the rest of its
// HA group would fall below the group's ha_group_min.
func haGroupMinimumPolicy() Policy {
	return Policy{
		Name:        "ha-group-minimum",
		Description: "Keeps at least ha_group_min active members in every HA group",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package poncho.guard.ha_group

import rego.v1

# Other members of the instance's group that stay up after it is deleted.
survivors contains m.uuid if {
	some m in input.group
	m.uuid != input.instance.uuid
	m.metadata.ha_group_id == input.instance.metadata.ha_group_id
	m.status == "ACTIVE"
	m.task_state != "deleting"
}

deny contains violation if {
	group := input.instance.metadata.ha_group_id
	group != ""
	minimum := to_number(input.instance.metadata.ha_group_min)
	count(survivors) < minimum
	violation := {
		"message": sprintf("deleting %s would leave HA group %s with %d active members, below its minimum of %d", [input.instance.uuid, group, count(survivors), minimum]),
		"severity": "error",
	}
}
`,
	}
}
