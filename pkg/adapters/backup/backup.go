// Package backup converges NFS storage configurations and the backup
// targets that mount them.
package backup

import (
	"context"
	"fmt"

	"github.com/openconverge/openconverge/pkg/adapters"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/schema"
)

const (
	sectionNfs    = "nfs"
	sectionBackup = "backup"
)

// Adapter implements engine.Adapter for the backup family.
type Adapter struct{}

// New creates the backup adapter.
func New() *Adapter {
	return &Adapter{}
}

// Family returns "backup".
func (a *Adapter) Family() string {
	return "backup"
}

// MinControllerVersion returns the oldest supported controller version.
func (a *Adapter) MinControllerVersion() string {
	return "2.3.5.3"
}

// Schema describes the backup document section.
func (a *Adapter) Schema() *schema.Schema {
	return &schema.Schema{
		Fields: map[string]*schema.Field{
			sectionNfs: {
				Type:     schema.KindList,
				Identity: []string{"server", "sourcePath"},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"server_ip":       {Type: schema.KindString, Required: true, Format: "ip", Wire: "server"},
						"source_path":     {Type: schema.KindString, Required: true, Wire: "sourcePath"},
						"nfs_port":        {Type: schema.KindInt, Default: 2049, Min: schema.Ptr(1), Max: schema.Ptr(65535), Wire: "nfsPort"},
						"nfs_version":     {Type: schema.KindString, Default: "nfs4", Enum: []string{"nfs3", "nfs4"}, Wire: "nfsVersion"},
						"portmapper_port": {Type: schema.KindInt, Default: 111, Min: schema.Ptr(1), Max: schema.Ptr(65535), Wire: "portMapperPort"},
					},
				},
			},
			sectionBackup: {
				Type:     schema.KindList,
				Identity: []string{"name"},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"name":        {Type: schema.KindString, Required: true},
						"retention":   {Type: schema.KindInt, Min: schema.Ptr(3), Max: schema.Ptr(60), Default: 30, Wire: "dataRetention"},
						"server_type": {Type: schema.KindString, Default: "NFS", Enum: []string{"NFS"}, Wire: "serverType"},
						"server_ip":   {Type: schema.KindString, Format: "ip", Wire: "server"},
						"source_path": {Type: schema.KindString, Wire: "sourcePath"},
					},
				},
			},
		},
	}
}

// Items emits NFS configurations before backup targets. NFS items are
// fatal-on-failure: a storage setup failure aborts the backups that would
// mount it.
func (a *Adapter) Items(section map[string]interface{}, state engine.State) ([]engine.ResourceItem, error) {
	var items []engine.ResourceItem
	position := 0

	for _, elem := range listRecords(section, sectionNfs) {
		items = append(items, engine.ResourceItem{
			Key:            nfsKey(elem),
			Family:         a.Family(),
			Section:        sectionNfs,
			Payload:        elem,
			Position:       position,
			FatalOnFailure: true,
		})
		position++
	}
	for _, elem := range listRecords(section, sectionBackup) {
		items = append(items, engine.ResourceItem{
			Key:      backupKey(elem),
			Family:   a.Family(),
			Section:  sectionBackup,
			Payload:  elem,
			Position: position,
		})
		position++
	}
	if len(items) == 0 {
		return nil, engine.NewPermanentError("backup section has no nfs or backup records", nil)
	}
	return items, nil
}

func listRecords(section map[string]interface{}, name string) []map[string]interface{} {
	raw, _ := section[name].([]interface{})
	var out []map[string]interface{}
	for _, elem := range raw {
		if record, ok := elem.(map[string]interface{}); ok {
			out = append(out, record)
		}
	}
	return out
}

func nfsKey(record map[string]interface{}) string {
	return fmt.Sprintf("%s/%s:%s", sectionNfs,
		adapters.StringField(record, "server"),
		adapters.StringField(record, "sourcePath"))
}

func backupKey(record map[string]interface{}) string {
	return sectionBackup + "/" + adapters.StringField(record, "name")
}

// FetchHave lists the NFS configurations and backup targets.
func (a *Adapter) FetchHave(ctx context.Context, client engine.Client, want []engine.ResourceItem) (*engine.Have, error) {
	have := engine.NewHave()

	nfsRecords, err := adapters.CollectList(ctx, client, "backup", "listNfs", nil)
	if err != nil {
		return nil, err
	}
	for _, record := range nfsRecords {
		have.Items[nfsKey(record)] = engine.RemoteItem{
			Key:    nfsKey(record),
			ID:     adapters.StringField(record, "id"),
			Fields: record,
		}
	}

	backupRecords, err := adapters.CollectList(ctx, client, "backup", "listBackups", nil)
	if err != nil {
		return nil, err
	}
	for _, record := range backupRecords {
		have.Items[backupKey(record)] = engine.RemoteItem{
			Key:    backupKey(record),
			ID:     adapters.StringField(record, "id"),
			Fields: record,
		}
	}
	return have, nil
}

// Equals compares user-expressible fields. A backup target repointed at a
// different NFS export differs even when name and retention match.
func (a *Adapter) Equals(want engine.ResourceItem, have engine.RemoteItem) bool {
	if want.Section == sectionNfs {
		return adapters.FieldsEqual(want.Payload, have.Fields,
			"server", "sourcePath", "nfsPort", "nfsVersion", "portMapperPort")
	}
	return adapters.FieldsEqual(want.Payload, have.Fields,
		"name", "dataRetention", "server", "sourcePath")
}

// Assigns declares no derived items.
func (a *Adapter) Assigns(want []engine.ResourceItem, have *engine.Have) []engine.AssignItem {
	return nil
}

// Barriers makes each backup target depend on the NFS configuration it
// mounts, when that configuration is part of the same block. The reverse
// edge also orders deletes: targets are removed before their storage.
func (a *Adapter) Barriers(items []engine.ResourceItem) map[string]string {
	nfsKeys := make(map[string]bool)
	for _, item := range items {
		if item.Section == sectionNfs {
			nfsKeys[item.Key] = true
		}
	}

	barriers := make(map[string]string)
	for _, item := range items {
		if item.Section != sectionBackup {
			continue
		}
		target := nfsKey(item.Payload)
		if nfsKeys[target] {
			barriers[item.Key] = target
		}
	}
	return barriers
}

// Apply dispatches one backup plan item.
func (a *Adapter) Apply(ctx context.Context, client engine.Client, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	switch {
	case item.Item.Section == sectionNfs && item.Action == engine.ActionCreate:
		body, err := client.Exec(ctx, "backup", "createNfs", item.Item.Payload)
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "created"}, nil

	case item.Item.Section == sectionNfs && item.Action == engine.ActionDelete:
		body, err := client.Exec(ctx, "backup", "deleteNfs",
			map[string]interface{}{"id": item.Item.Payload["id"]})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "deleted"}, nil

	case item.Item.Section == sectionBackup && item.Action == engine.ActionCreate:
		body, err := client.Exec(ctx, "backup", "createBackup", item.Item.Payload)
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "created"}, nil

	case item.Item.Section == sectionBackup && item.Action == engine.ActionDelete:
		body, err := client.Exec(ctx, "backup", "deleteBackup",
			map[string]interface{}{"id": item.Item.Payload["id"]})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "deleted"}, nil

	case item.Action == engine.ActionUpdate:
		// The controller upserts on the create endpoints for both kinds.
		op := "createNfs"
		if item.Item.Section == sectionBackup {
			op = "createBackup"
		}
		body, err := client.Exec(ctx, "backup", op, item.Item.Payload)
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "updated"}, nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action %s for %s", item.Action, item.Item.Key), nil)
	}
}
