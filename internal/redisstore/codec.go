package redisstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/imaginary-cherry/mageflow/internal/domain"
)

func hashKey(key string) string         { return "sig:" + key }
func subKey(key, suffix string) string  { return "sig:" + key + ":" + suffix }
func kwargsKey(key string) string       { return "sig:" + key + ":kwargs" }
func lockKey(key, action string) string { return "lock:" + key + "/" + action }
func taskDefKey(name string) string     { return "taskdef:" + name }

const activeSwarmsKey = "swarms:active"

// subSuffixes is every collection suffix a record may own. SoftDelete walks
// it blind; expiring a key that does not exist is a no-op.
var subSuffixes = []string{
	ListSuccess, ListError, ListTasks, ListQueue, ListResults,
	ListPublish, SetFinished, SetFailed, "kwargs",
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeBool(s string) bool { return s == "1" }

func setFlag(fields map[string]string, field string, raised bool) {
	if raised {
		fields[field] = "1"
	}
}

// EncodeFieldValue renders a scalar mutation value into the record's string
// encoding. Field names and value types are fixed by the callers, so an
// unknown type is a programming error.
func EncodeFieldValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return encodeBool(t)
	case domain.Status:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

// EncodeRecord flattens a signature's scalar fields into its hash record.
// Collections are persisted separately under their own keys.
func EncodeRecord(sig domain.Signature) (map[string]string, error) {
	if ps, ok := sig.(*domain.PublishState); ok {
		return map[string]string{
			"kind": string(domain.KindPublishState),
			"key":  ps.Key,
		}, nil
	}

	base := sig.Base()
	idents, err := json.Marshal(base.TaskIdentifiers)
	if err != nil {
		return nil, fmt.Errorf("marshal task identifiers: %w", err)
	}
	fields := map[string]string{
		"kind":             string(sig.SignatureKind()),
		"key":              base.Key,
		"task_name":        base.TaskName,
		"result_field":     base.ResultField,
		FieldContainerKey:  base.ContainerKey,
		FieldWorkerTaskID:  base.WorkerTaskID,
		FieldStatus:        string(base.Status),
		FieldLastStatus:    string(base.LastStatus),
		"creation_time":    base.CreationTime.Format(time.RFC3339Nano),
		"task_identifiers": string(idents),
	}

	switch s := sig.(type) {
	case *domain.SwarmSignature:
		cfg, err := json.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("marshal swarm config: %w", err)
		}
		fields["config"] = string(cfg)
		fields["publish_state_key"] = s.PublishStateKey
		fields[FieldRunning] = strconv.FormatInt(s.CurrentRunningTasks, 10)
		// Monotonic flags are written only once raised. An absent field is
		// what lets the HSETNX publish-once guard have a winner.
		setFlag(fields, FieldClosed, s.IsSwarmClosed)
		setFlag(fields, FieldStarted, s.Started)
		setFlag(fields, FieldPublishedSuccess, s.PublishedSuccess)
		setFlag(fields, FieldPublishedErrors, s.PublishedErrors)
	case *domain.BatchItemSignature:
		fields["swarm_key"] = s.SwarmKey
		fields["original_task_key"] = s.OriginalTaskKey
		setFlag(fields, FieldSlotReserved, s.SlotReserved)
	}
	return fields, nil
}

// DecodeRecord rebuilds a signature from its hash record. Collections are
// left empty for the store to fill.
func DecodeRecord(record map[string]string) (domain.Signature, error) {
	kind := domain.Kind(record["kind"])
	if kind == domain.KindPublishState {
		return &domain.PublishState{Key: record["key"]}, nil
	}

	var base domain.TaskSignature
	base.Key = record["key"]
	base.TaskName = record["task_name"]
	base.ResultField = record["result_field"]
	base.ContainerKey = record[FieldContainerKey]
	base.WorkerTaskID = record[FieldWorkerTaskID]
	base.Status = domain.Status(record[FieldStatus])
	base.LastStatus = domain.Status(record[FieldLastStatus])
	if raw := record["creation_time"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse creation time of %s: %w", base.Key, err)
		}
		base.CreationTime = t
	}
	base.TaskIdentifiers = map[string]string{}
	if raw := record["task_identifiers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &base.TaskIdentifiers); err != nil {
			return nil, fmt.Errorf("unmarshal task identifiers of %s: %w", base.Key, err)
		}
	}
	base.Kwargs = map[string]any{}

	switch kind {
	case domain.KindTask:
		return &base, nil
	case domain.KindChain:
		return &domain.ChainSignature{TaskSignature: base}, nil
	case domain.KindSwarm:
		s := &domain.SwarmSignature{TaskSignature: base}
		if raw := record["config"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &s.Config); err != nil {
				return nil, fmt.Errorf("unmarshal swarm config of %s: %w", base.Key, err)
			}
		}
		s.PublishStateKey = record["publish_state_key"]
		s.IsSwarmClosed = decodeBool(record[FieldClosed])
		s.Started = decodeBool(record[FieldStarted])
		s.PublishedSuccess = decodeBool(record[FieldPublishedSuccess])
		s.PublishedErrors = decodeBool(record[FieldPublishedErrors])
		if raw := record[FieldRunning]; raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse running counter of %s: %w", base.Key, err)
			}
			s.CurrentRunningTasks = n
		}
		return s, nil
	case domain.KindBatchItem:
		return &domain.BatchItemSignature{
			TaskSignature:   base,
			SwarmKey:        record["swarm_key"],
			OriginalTaskKey: record["original_task_key"],
			SlotReserved:    decodeBool(record[FieldSlotReserved]),
		}, nil
	default:
		return nil, fmt.Errorf("unknown signature kind %q in record %s", record["kind"], base.Key)
	}
}

// EncodeKwargs JSON-encodes each kwarg value for per-field storage.
func EncodeKwargs(kwargs map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(kwargs))
	for k, v := range kwargs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal kwarg %q: %w", k, err)
		}
		out[k] = string(data)
	}
	return out, nil
}

// DecodeKwargs reverses EncodeKwargs.
func DecodeKwargs(raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			return nil, fmt.Errorf("unmarshal kwarg %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}
