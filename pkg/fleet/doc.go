// Package fleet is the compute fleet client used by the workflows.
//
// Instances are listed and deleted through the compute API. Hosts are
// disabled either through the same API or by running nova-manage over SSH,
// wrapped by a configurable command template:
//
//	command_wrapper: "sudo -u nova {placeholder}"
//
// Client composes the two and records call metrics.
package fleet
