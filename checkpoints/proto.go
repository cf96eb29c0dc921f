package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers of the protobuf checkpoint layout.
//
//	Checkpoint { 1 metadata, 2 repeated weight, 3 training_state (Struct), 4 optimizer, 5 config (JSON bytes) }
//	Metadata   { 1 version, 2 framework, 3 created_at (Timestamp), 4 run_id, 5 description, 6 tags (Struct) }
//	Tensor     { 1 name, 2 packed shape, 3 packed data, 4 state_type }
//	Optimizer  { 1 type, 2 parameters (Struct), 3 repeated tensor }
const (
	fieldMetadata      protowire.Number = 1
	fieldWeight        protowire.Number = 2
	fieldTrainingState protowire.Number = 3
	fieldOptimizer     protowire.Number = 4
	fieldConfig        protowire.Number = 5

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaRunID       protowire.Number = 4
	fieldMetaDescription protowire.Number = 5
	fieldMetaTags        protowire.Number = 6

	fieldTensorName      protowire.Number = 1
	fieldTensorShape     protowire.Number = 2
	fieldTensorData      protowire.Number = 3
	fieldTensorStateType protowire.Number = 4

	fieldOptType       protowire.Number = 1
	fieldOptParameters protowire.Number = 2
	fieldOptTensor     protowire.Number = 3
)

func encodeProto(c *Checkpoint) ([]byte, error) {
	var b []byte

	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, fieldMetadata, meta)

	for _, w := range c.Weights {
		b = appendMessage(b, fieldWeight, appendTensor(nil, w.Name, w.Shape, w.Data, ""))
	}

	state, err := jsonStruct(c.TrainingState)
	if err != nil {
		return nil, fmt.Errorf("encode training state: %w", err)
	}
	stateBytes, err := proto.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode training state: %w", err)
	}
	b = appendMessage(b, fieldTrainingState, stateBytes)

	if c.OptimizerState != nil {
		opt, err := encodeOptimizer(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldOptimizer, opt)
	}

	if len(c.Config) > 0 {
		b = appendMessage(b, fieldConfig, c.Config)
	}
	return b, nil
}

func decodeProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldMetadata:
			meta, err := decodeMetadata(payload)
			if err != nil {
				return err
			}
			c.Metadata = meta
		case fieldWeight:
			name, shape, data, _, err := consumeTensor(payload)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: data})
		case fieldTrainingState:
			var s structpb.Struct
			if err := proto.Unmarshal(payload, &s); err != nil {
				return fmt.Errorf("training state: %v", err)
			}
			if err := structInto(&s, &c.TrainingState); err != nil {
				return fmt.Errorf("training state: %v", err)
			}
		case fieldOptimizer:
			opt, err := decodeOptimizer(payload)
			if err != nil {
				return err
			}
			c.OptimizerState = opt
		case fieldConfig:
			c.Config = append(json.RawMessage(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decode proto: %v", ErrSchema, err)
	}
	return c, nil
}

func encodeMetadata(m CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaFramework, m.Framework)
	ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("encode created_at: %w", err)
	}
	b = appendMessage(b, fieldMetaCreatedAt, ts)
	b = appendString(b, fieldMetaRunID, m.RunID)
	b = appendString(b, fieldMetaDescription, m.Description)
	if len(m.Tags) > 0 {
		fields := make(map[string]interface{}, len(m.Tags))
		for k, v := range m.Tags {
			fields[k] = v
		}
		tags, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		raw, err := proto.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		b = appendMessage(b, fieldMetaTags, raw)
	}
	return b, nil
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldMetaVersion:
			m.Version = string(payload)
		case fieldMetaFramework:
			m.Framework = string(payload)
		case fieldMetaCreatedAt:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(payload, &ts); err != nil {
				return fmt.Errorf("created_at: %v", err)
			}
			m.CreatedAt = ts.AsTime()
		case fieldMetaRunID:
			m.RunID = string(payload)
		case fieldMetaDescription:
			m.Description = string(payload)
		case fieldMetaTags:
			var s structpb.Struct
			if err := proto.Unmarshal(payload, &s); err != nil {
				return fmt.Errorf("tags: %v", err)
			}
			m.Tags = make(map[string]string, len(s.GetFields()))
			for k, v := range s.GetFields() {
				m.Tags[k] = v.GetStringValue()
			}
		}
		return nil
	})
	return m, err
}

func encodeOptimizer(o *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldOptType, o.Type)
	params, err := structpb.NewStruct(o.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode optimizer parameters: %w", err)
	}
	raw, err := proto.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode optimizer parameters: %w", err)
	}
	b = appendMessage(b, fieldOptParameters, raw)
	for _, t := range o.StateData {
		b = appendMessage(b, fieldOptTensor, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b, nil
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walkFields(b, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldOptType:
			o.Type = string(payload)
		case fieldOptParameters:
			var s structpb.Struct
			if err := proto.Unmarshal(payload, &s); err != nil {
				return fmt.Errorf("optimizer parameters: %v", err)
			}
			o.Parameters = s.AsMap()
		case fieldOptTensor:
			name, shape, data, stateType, err := consumeTensor(payload)
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
		return nil
	})
	return o, err
}

func appendTensor(b []byte, name string, shape []int, data []float64, stateType string) []byte {
	b = appendString(b, fieldTensorName, name)

	var packedShape []byte
	for _, dim := range shape {
		packedShape = protowire.AppendVarint(packedShape, uint64(dim))
	}
	b = appendMessage(b, fieldTensorShape, packedShape)

	packedData := make([]byte, 0, 8*len(data))
	for _, v := range data {
		packedData = protowire.AppendFixed64(packedData, math.Float64bits(v))
	}
	b = appendMessage(b, fieldTensorData, packedData)

	return appendString(b, fieldTensorStateType, stateType)
}

func consumeTensor(b []byte) (name string, shape []int, data []float64, stateType string, err error) {
	err = walkFields(b, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldTensorName:
			name = string(payload)
		case fieldTensorShape:
			for len(payload) > 0 {
				v, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return protowire.ParseError(n)
				}
				shape = append(shape, int(v))
				payload = payload[n:]
			}
		case fieldTensorData:
			if len(payload)%8 != 0 {
				return fmt.Errorf("tensor %q data is not a multiple of 8 bytes", name)
			}
			data = make([]float64, 0, len(payload)/8)
			for len(payload) > 0 {
				v, n := protowire.ConsumeFixed64(payload)
				if n < 0 {
					return protowire.ParseError(n)
				}
				data = append(data, math.Float64frombits(v))
				payload = payload[n:]
			}
		case fieldTensorStateType:
			stateType = string(payload)
		}
		return nil
	})
	return name, shape, data, stateType, err
}

func appendMessage(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkFields calls fn for every length-delimited field in b and skips the rest.
func walkFields(b []byte, fn func(num protowire.Number, payload []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, payload); err != nil {
			return err
		}
	}
	return nil
}

func jsonStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func structInto(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
