package storage

import (
	"encoding/json"
	"errors"

	"fibrosim/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion stamps new records.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeTickSummaries(summaries []model.TickSummary) ([]byte, error) {
	return json.Marshal(summaries)
}

func DecodeTickSummaries(data []byte) ([]model.TickSummary, error) {
	var summaries []model.TickSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func EncodeAgents(agents []model.AgentRecord) ([]byte, error) {
	return json.Marshal(agents)
}

func DecodeAgents(data []byte) ([]model.AgentRecord, error) {
	var agents []model.AgentRecord
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, err
	}
	for _, a := range agents {
		if err := checkVersion(a.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
