package notify

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/poncho/poncho/pkg/engine"
)

// Field names shared by the notification kinds.
const (
	FieldTimestamp          = "timestamp"
	FieldDescription        = "description"
	FieldType               = "type"
	FieldInstanceName       = "instance_name"
	FieldInstanceUUID       = "instance_uuid"
	FieldSnapshotName       = "snapshot_name"
	FieldSnapshotID         = "snapshot_id"
	FieldHAGroupID          = "ha_group_id"
	FieldHAGroupActiveCount = "ha_group_active_count"
	FieldHAGroupActiveList  = "ha_group_active_list"
	FieldTenantID           = "tenant_id"
)

var (
	baseFields     = []string{FieldTimestamp, FieldDescription, FieldType}
	instanceFields = append(append([]string{}, baseFields...), FieldInstanceName, FieldInstanceUUID)
	tenantFields   = append(append([]string{}, baseFields...), FieldHAGroupID, FieldHAGroupActiveCount, FieldHAGroupActiveList, FieldTenantID)
)

type kindSpec struct {
	required []string
	text     *template.Template
}

func newKind(name string, required []string, text string) kindSpec {
	return kindSpec{
		required: required,
		text:     template.Must(template.New(name).Option("missingkey=error").Parse(text)),
	}
}

var kinds = map[engine.NotificationKind]kindSpec{
	engine.NotifyRebootScheduled: newKind("reboot_scheduled", instanceFields,
		`The instance "{{.instance_name}}" (UUID: {{.instance_uuid}}) will reboot at {{.timestamp}}.`),
	engine.NotifyRebooting: newKind("rebooting", instanceFields,
		`The instance "{{.instance_name}}" (UUID: {{.instance_uuid}}) rebooted at {{.timestamp}}.`),
	engine.NotifyTerminateScheduled: newKind("terminate_scheduled", instanceFields,
		`The instance "{{.instance_name}}" (UUID: {{.instance_uuid}}) will be terminated at {{.timestamp}}.`),
	engine.NotifyTerminating: newKind("terminating", instanceFields,
		`The instance "{{.instance_name}}" (UUID: {{.instance_uuid}}) was terminated at {{.timestamp}}.`),
	engine.NotifySnapshotCreated: newKind("snapshot_created",
		append(append([]string{}, instanceFields...), FieldSnapshotName, FieldSnapshotID),
		`A snapshot of "{{.instance_name}}" (UUID: {{.instance_uuid}}) was created at {{.timestamp}}.
Snapshot Name: {{.snapshot_name}}
Snapshot ID: {{.snapshot_id}}`),
	engine.NotifyHAGroupDegraded: newKind("ha_group_degraded", tenantFields,
		`The HA group {{.ha_group_id}} went into degraded mode at {{.timestamp}} with {{.ha_group_active_count}} instances active.
Active instances: {{.ha_group_active_list}}`),
	engine.NotifyHAGroupHealthy: newKind("ha_group_healthy", tenantFields,
		`The HA group {{.ha_group_id}} transitioned to a healthy state at {{.timestamp}} with {{.ha_group_active_count}} instances active.
Active instances: {{.ha_group_active_list}}`),
	engine.NotifyShedLoadRequest: newKind("shed_load_request", tenantFields,
		`This is a load shedding request. Please delete any idle or unneeded instances.`),
}

// Notification is a validated message ready for delivery.
type Notification struct {
	ID      string
	Kind    engine.NotificationKind
	Subject string
	Fields  map[string]string
}

// NewNotification builds a notification of kind. The type field is filled
// from kind when absent; every other required field must be present.
func NewNotification(kind engine.NotificationKind, fields map[string]string) (*Notification, error) {
	spec, ok := kinds[kind]
	if !ok {
		return nil, &InvalidNotificationError{Kind: kind, Reason: "unknown notification type"}
	}

	copied := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		copied[k] = v
	}
	if copied[FieldType] == "" {
		copied[FieldType] = string(kind)
	}
	if copied[FieldType] != string(kind) {
		return nil, &InvalidNotificationError{
			Kind:   kind,
			Reason: fmt.Sprintf("type field %q does not match", copied[FieldType]),
		}
	}

	var missing []string
	for _, key := range spec.required {
		if _, ok := copied[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &InvalidNotificationError{
			Kind:   kind,
			Reason: "missing fields: " + strings.Join(missing, ", "),
		}
	}

	return &Notification{
		ID:     uuid.NewString(),
		Kind:   kind,
		Fields: copied,
	}, nil
}

// Description is the operator's reason for the event.
func (n *Notification) Description() string {
	return n.Fields[FieldDescription]
}

// Text renders the human-readable message.
func (n *Notification) Text() (string, error) {
	var b strings.Builder
	if err := kinds[n.Kind].text.Execute(&b, n.Fields); err != nil {
		return "", fmt.Errorf("failed to render %s notification: %w", n.Kind, err)
	}
	return b.String(), nil
}

// Payload returns the webhook body: the required fields of the kind.
func (n *Notification) Payload() map[string]string {
	spec := kinds[n.Kind]
	out := make(map[string]string, len(spec.required))
	for _, key := range spec.required {
		out[key] = n.Fields[key]
	}
	return out
}
