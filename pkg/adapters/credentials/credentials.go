// Package credentials converges global device credentials (CLI, SNMPv2c
// read/write, SNMPv3, HTTPS read/write) and their site assignments.
package credentials

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openconverge/openconverge/pkg/adapters"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/schema"
)

// assignField is the engine-side list of site paths a credential is bound
// to. It is stripped from payloads before dispatch.
const assignField = "assign_to_sites"

// kindSpec binds one credential kind to its wire operations and identity.
type kindSpec struct {
	// section is the document list name and item Section value.
	section string

	// subType is the controller's credentialSubType filter value.
	subType string

	// createOp, updateOp name the dispatch operations.
	createOp string
	updateOp string

	// assignParam is the member naming this kind's ids in a site
	// assignment request.
	assignParam string

	// siteMember is the member holding this kind's current binding in a
	// site credential read.
	siteMember string

	// identity names the payload fields forming the identity tuple.
	identity []string
}

var kinds = []kindSpec{
	{"cli", "CLI", "createCli", "updateCli", "cliId", "cli", []string{"description", "username"}},
	{"snmp_v2c_read", "SNMPV2_READ_COMMUNITY", "createSnmpRead", "updateSnmpRead", "snmpV2ReadId", "snmpV2Read", []string{"description"}},
	{"snmp_v2c_write", "SNMPV2_WRITE_COMMUNITY", "createSnmpWrite", "updateSnmpWrite", "snmpV2WriteId", "snmpV2Write", []string{"description"}},
	{"snmp_v3", "SNMPV3", "createSnmpV3", "updateSnmpV3", "snmpV3Id", "snmpV3", []string{"description", "username"}},
	{"https_read", "HTTP_READ", "createHttpRead", "updateHttpRead", "httpReadId", "httpRead", []string{"description", "username"}},
	{"https_write", "HTTP_WRITE", "createHttpWrite", "updateHttpWrite", "httpWriteId", "httpWrite", []string{"description", "username"}},
}

func kindBySection(section string) (kindSpec, bool) {
	for _, k := range kinds {
		if k.section == section {
			return k, true
		}
	}
	return kindSpec{}, false
}

// Adapter implements engine.Adapter for the credentials family.
type Adapter struct{}

// New creates the credentials adapter.
func New() *Adapter {
	return &Adapter{}
}

// Family returns "credentials".
func (a *Adapter) Family() string {
	return "credentials"
}

// MinControllerVersion returns the oldest supported controller version.
func (a *Adapter) MinControllerVersion() string {
	return "2.2.3.3"
}

// Schema describes the credentials document section.
func (a *Adapter) Schema() *schema.Schema {
	assignTo := &schema.Field{
		Type: schema.KindList,
		Elem: &schema.Field{Type: schema.KindString},
	}
	id := &schema.Field{Type: schema.KindString}
	description := &schema.Field{Type: schema.KindString}
	username := &schema.Field{Type: schema.KindString}

	return &schema.Schema{
		Fields: map[string]*schema.Field{
			"cli": {
				Type:     schema.KindList,
				Identity: []string{"description", "username"},
				Checks:   []schema.CrossCheck{requireWithoutID("description", "username")},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"id":              id,
						"description":     description,
						"username":        username,
						"password":        {Type: schema.KindString, Secret: true, Required: true},
						"enable_password": {Type: schema.KindString, Secret: true, Wire: "enablePassword"},
						assignField:       assignTo,
					},
				},
			},
			"snmp_v2c_read": {
				Type:     schema.KindList,
				Identity: []string{"description"},
				Checks:   []schema.CrossCheck{requireWithoutID("description")},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"id":             id,
						"description":    description,
						"read_community": {Type: schema.KindString, Secret: true, Required: true, Wire: "readCommunity"},
						assignField:      assignTo,
					},
				},
			},
			"snmp_v2c_write": {
				Type:     schema.KindList,
				Identity: []string{"description"},
				Checks:   []schema.CrossCheck{requireWithoutID("description")},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"id":              id,
						"description":     description,
						"write_community": {Type: schema.KindString, Secret: true, Required: true, Wire: "writeCommunity"},
						assignField:       assignTo,
					},
				},
			},
			"snmp_v3": {
				Type:     schema.KindList,
				Identity: []string{"description", "username"},
				Checks: []schema.CrossCheck{requireWithoutID("description", "username"), {
					Name: "auth_mode_fields",
					Check: func(record map[string]interface{}) string {
						mode, _ := record["snmpMode"].(string)
						if mode == "AUTHPRIV" || mode == "AUTHNOPRIV" {
							if record["authPassword"] == nil {
								return "auth_password is required for mode " + mode
							}
						}
						if mode == "AUTHPRIV" && record["privacyPassword"] == nil {
							return "privacy_password is required for mode AUTHPRIV"
						}
						return ""
					},
				}},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"id":               id,
						"description":      description,
						"username":         username,
						"snmp_mode":        {Type: schema.KindString, Required: true, Enum: []string{"AUTHPRIV", "AUTHNOPRIV", "NOAUTHNOPRIV"}, Wire: "snmpMode"},
						"auth_type":        {Type: schema.KindString, Enum: []string{"SHA", "MD5"}, Wire: "authType"},
						"auth_password":    {Type: schema.KindString, Secret: true, Wire: "authPassword"},
						"privacy_type":     {Type: schema.KindString, Enum: []string{"AES128", "AES192", "AES256"}, Wire: "privacyType"},
						"privacy_password": {Type: schema.KindString, Secret: true, Wire: "privacyPassword"},
						assignField:        assignTo,
					},
				},
			},
			"https_read":  httpsFields(id, description, username, assignTo),
			"https_write": httpsFields(id, description, username, assignTo),
		},
	}
}

// requireWithoutID enforces the identity fields on records that do not
// address an existing credential by explicit id.
func requireWithoutID(fields ...string) schema.CrossCheck {
	return schema.CrossCheck{
		Name: "identity_without_id",
		Check: func(record map[string]interface{}) string {
			if adapters.StringField(record, "id") != "" {
				return ""
			}
			for _, field := range fields {
				if record[field] == nil {
					return field + " is required when no id is given"
				}
			}
			return ""
		},
	}
}

func httpsFields(id, description, username, assignTo *schema.Field) *schema.Field {
	return &schema.Field{
		Type:     schema.KindList,
		Identity: []string{"description", "username"},
		Checks:   []schema.CrossCheck{requireWithoutID("description", "username")},
		Elem: &schema.Field{
			Type: schema.KindMap,
			Fields: map[string]*schema.Field{
				"id":          id,
				"description": description,
				"username":    username,
				"password":    {Type: schema.KindString, Secret: true, Required: true},
				"port":        {Type: schema.KindInt, Default: 443, Min: schema.Ptr(1), Max: schema.Ptr(65535)},
				assignField:   assignTo,
			},
		},
	}
}

// Items splits the normalised section into one item per credential record,
// in kind order then record order.
func (a *Adapter) Items(section map[string]interface{}, state engine.State) ([]engine.ResourceItem, error) {
	var items []engine.ResourceItem
	position := 0

	for _, kind := range kinds {
		raw, ok := section[kind.section].([]interface{})
		if !ok {
			continue
		}
		for _, elem := range raw {
			record, ok := elem.(map[string]interface{})
			if !ok {
				continue
			}
			items = append(items, engine.ResourceItem{
				Key:      itemKey(kind, record),
				Family:   a.Family(),
				Section:  kind.section,
				Payload:  record,
				Position: position,
			})
			position++
		}
	}
	if len(items) == 0 {
		return nil, engine.NewPermanentError("credentials section has no credential records", nil)
	}
	return items, nil
}

// itemKey builds the identity key. An explicit id addresses the record
// directly (forced update); otherwise the kind's identity tuple is used.
func itemKey(kind kindSpec, record map[string]interface{}) string {
	if id := adapters.StringField(record, "id"); id != "" {
		return kind.section + "/id:" + id
	}
	parts := []string{kind.section}
	for _, field := range kind.identity {
		parts = append(parts, adapters.StringField(record, field))
	}
	return strings.Join(parts, "/")
}

func remoteKey(kind kindSpec, record map[string]interface{}) string {
	parts := []string{kind.section}
	for _, field := range kind.identity {
		parts = append(parts, adapters.StringField(record, field))
	}
	return strings.Join(parts, "/")
}

// FetchHave lists the credential kinds the want set touches, resolves
// assignment site paths and reads each referenced site's current bindings
// so already-satisfied assignments are not re-planned.
func (a *Adapter) FetchHave(ctx context.Context, client engine.Client, want []engine.ResourceItem) (*engine.Have, error) {
	have := engine.NewHave()

	wantKinds := make(map[string]bool)
	for _, item := range want {
		wantKinds[item.Section] = true
	}

	for _, kind := range kinds {
		if !wantKinds[kind.section] {
			continue
		}
		records, err := adapters.CollectList(ctx, client, "credentials", "list",
			map[string]string{"credentialSubType": kind.subType})
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			remote := engine.RemoteItem{
				Key:    remoteKey(kind, record),
				ID:     adapters.StringField(record, "id"),
				Fields: record,
			}
			have.Items[remote.Key] = remote
			if remote.ID != "" {
				alias := remote
				alias.Key = kind.section + "/id:" + remote.ID
				have.Items[alias.Key] = alias
			}
		}
	}

	a.resolveAssignmentSites(ctx, client, want, have)
	if err := a.markSatisfiedAssignments(ctx, client, want, have); err != nil {
		return nil, err
	}
	return have, nil
}

// markSatisfiedAssignments reads the current credential bindings of every
// resolved site an existing credential is assigned to, once per site, and
// marks the (credential, site) pairs the controller already satisfies.
func (a *Adapter) markSatisfiedAssignments(ctx context.Context, client engine.Client, want []engine.ResourceItem, have *engine.Have) error {
	bindings := make(map[string]map[string]interface{})

	for _, item := range want {
		kind, ok := kindBySection(item.Section)
		if !ok {
			continue
		}
		remote, exists := have.Items[item.Key]
		if !exists || remote.ID == "" {
			continue
		}
		for _, site := range assignmentSites(item) {
			siteID, resolved := have.Refs[site]
			if !resolved {
				continue
			}
			bound, fetched := bindings[siteID]
			if !fetched {
				var err error
				bound, err = siteBindings(ctx, client, siteID)
				if err != nil {
					return err
				}
				bindings[siteID] = bound
			}
			member, ok := bound[kind.siteMember].(map[string]interface{})
			if !ok {
				continue
			}
			if adapters.StringField(member, "id") == remote.ID {
				have.Assigned[assignKey(item, site)] = true
			}
		}
	}
	return nil
}

// siteBindings reads one site's credential bindings. A site with no
// bindings yet answers not-found; that is an empty binding set, not an
// error.
func siteBindings(ctx context.Context, client engine.Client, siteID string) (map[string]interface{}, error) {
	body, err := client.Exec(ctx, "credentials", "siteCredentials",
		map[string]interface{}{"siteId": siteID})
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return adapters.DecodeRecord(body)
}

// resolveAssignmentSites resolves every referenced site path once and marks
// assignment items whose site cannot be resolved.
func (a *Adapter) resolveAssignmentSites(ctx context.Context, client engine.Client, want []engine.ResourceItem, have *engine.Have) {
	resolved := make(map[string]*engine.Error)
	for _, item := range want {
		for _, site := range assignmentSites(item) {
			if _, done := have.Refs[site]; done {
				continue
			}
			if refErr, failed := resolved[site]; failed {
				have.Unresolved[assignKey(item, site)] = refErr
				continue
			}
			id, err := adapters.ResolveSiteID(ctx, client, site)
			if err != nil {
				refErr := engine.NewPermanentError(err.Error(), nil).WithCode(engine.CodeReferenceUnresolved)
				resolved[site] = refErr
				have.Unresolved[assignKey(item, site)] = refErr
				continue
			}
			have.Refs[site] = id
		}
	}
	// A second pass marks every assignment that shares a failed site.
	for _, item := range want {
		for _, site := range assignmentSites(item) {
			if refErr, failed := resolved[site]; failed {
				have.Unresolved[assignKey(item, site)] = refErr
			}
		}
	}
}

// Equals compares the user-expressible non-secret fields. Records addressed
// by explicit id always differ: supplying an id is the documented way to
// force a secret rotation the controller cannot diff.
func (a *Adapter) Equals(want engine.ResourceItem, have engine.RemoteItem) bool {
	if strings.Contains(want.Key, "/id:") {
		return false
	}
	return adapters.FieldsEqual(want.Payload, have.Fields, "description", "username", "port")
}

// Assigns derives one assignment item per (credential, site) pair, each
// barriered on its credential.
func (a *Adapter) Assigns(want []engine.ResourceItem, have *engine.Have) []engine.AssignItem {
	var assigns []engine.AssignItem
	position := len(want)
	for _, item := range want {
		for _, site := range assignmentSites(item) {
			assigns = append(assigns, engine.AssignItem{
				Item: engine.ResourceItem{
					Key:     assignKey(item, site),
					Family:  a.Family(),
					Section: item.Section,
					Payload: map[string]interface{}{
						"site":       site,
						"credential": item.Key,
					},
					Position: position,
				},
				Predecessor: item.Key,
			})
			position++
		}
	}
	return assigns
}

// Barriers declares no edges between credential records themselves.
func (a *Adapter) Barriers(items []engine.ResourceItem) map[string]string {
	return nil
}

// Apply dispatches one credentials plan item.
func (a *Adapter) Apply(ctx context.Context, client engine.Client, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	kind, ok := kindBySection(item.Item.Section)
	if !ok {
		return nil, engine.NewPermanentError("unknown credential kind "+item.Item.Section, nil)
	}

	switch item.Action {
	case engine.ActionCreate:
		body, err := client.Exec(ctx, "credentials", kind.createOp, wirePayload(item.Item.Payload, false))
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "created"}, nil

	case engine.ActionUpdate:
		payload := wirePayload(item.Item.Payload, true)
		// Preserve fields the user did not re-express from the remote record.
		if remote, ok := have.Items[item.Item.Key]; ok {
			for _, field := range []string{"description", "username"} {
				if payload[field] == nil && remote.Fields[field] != nil {
					payload[field] = remote.Fields[field]
				}
			}
			if payload["id"] == nil {
				payload["id"] = remote.ID
			}
		}
		body, err := client.Exec(ctx, "credentials", kind.updateOp, payload)
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "updated"}, nil

	case engine.ActionDelete:
		body, err := client.Exec(ctx, "credentials", "delete",
			map[string]interface{}{"id": item.Item.Payload["id"]})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "deleted"}, nil

	case engine.ActionAssign:
		return a.applyAssign(ctx, client, kind, item, have)

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action %s", item.Action), nil)
	}
}

func (a *Adapter) applyAssign(ctx context.Context, client engine.Client, kind kindSpec, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	site := adapters.StringField(item.Item.Payload, "site")
	siteID, ok := have.Refs[site]
	if !ok {
		return nil, engine.NewPermanentError("site "+site+" was not resolved", nil).
			WithCode(engine.CodeReferenceUnresolved).WithItem(item.Item.Key)
	}

	credID, err := a.credentialID(ctx, client, kind, item, have)
	if err != nil {
		return nil, err
	}

	body, err := client.Exec(ctx, "credentials", "assignToSite", map[string]interface{}{
		"siteId":         siteID,
		kind.assignParam: []string{credID},
	})
	if err != nil {
		return nil, err
	}
	return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "assigned to " + site}, nil
}

// credentialID finds the controller id of the assignment's credential. A
// credential created earlier in the same plan is not in have yet, so the
// kind listing is re-read.
func (a *Adapter) credentialID(ctx context.Context, client engine.Client, kind kindSpec, item engine.PlanItem, have *engine.Have) (string, error) {
	credKey := adapters.StringField(item.Item.Payload, "credential")
	if remote, ok := have.Items[credKey]; ok && remote.ID != "" {
		return remote.ID, nil
	}

	records, err := adapters.CollectList(ctx, client, "credentials", "list",
		map[string]string{"credentialSubType": kind.subType})
	if err != nil {
		return "", err
	}
	for _, record := range records {
		if remoteKey(kind, record) == credKey {
			if id := adapters.StringField(record, "id"); id != "" {
				return id, nil
			}
		}
	}
	return "", engine.NewPermanentError("credential "+credKey+" not found after creation", nil).
		WithCode(engine.CodeReferenceUnresolved).WithItem(item.Item.Key)
}

func assignmentSites(item engine.ResourceItem) []string {
	raw, ok := item.Payload[assignField].([]interface{})
	if !ok {
		return nil
	}
	sites := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			sites = append(sites, s)
		}
	}
	sort.Strings(sites)
	return sites
}

func assignKey(item engine.ResourceItem, site string) string {
	return item.Key + "@" + site
}

// wirePayload strips engine-side members; create payloads also drop the id.
func wirePayload(payload map[string]interface{}, keepID bool) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == assignField {
			continue
		}
		if k == "id" && !keepID {
			continue
		}
		out[k] = v
	}
	return out
}
