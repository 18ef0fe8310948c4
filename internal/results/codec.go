package results

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// Field numbers of the wire format. A list is a sequence of field 1
// messages; see the per-message regions below.
const (
	fieldListItem protowire.Number = 1

	fieldKind       protowire.Number = 1
	fieldPrediction protowire.Number = 2
	fieldPath       protowire.Number = 3
	fieldFormatted  protowire.Number = 4
	fieldSeg        protowire.Number = 5
	fieldAux        protowire.Number = 6

	fieldLabelH    protowire.Number = 1
	fieldLabelW    protowire.Number = 2
	fieldLabelData protowire.Number = 3
)

// #region encode
// Encode serializes an ordered result list.
func Encode(rs []Result) []byte {
	var b []byte
	for _, r := range rs {
		b = protowire.AppendTag(b, fieldListItem, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeResult(r))
	}
	return b
}

func encodeResult(r Result) []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(r.Kind))
	if r.Prediction != nil {
		b = protowire.AppendTag(b, fieldPrediction, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLabelMap(*r.Prediction))
	}
	if r.Path != "" {
		b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
		b = protowire.AppendString(b, r.Path)
	}
	if r.Formatted != "" {
		b = protowire.AppendTag(b, fieldFormatted, protowire.BytesType)
		b = protowire.AppendString(b, r.Formatted)
	}
	if r.Seg != nil {
		b = protowire.AppendTag(b, fieldSeg, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSeg(*r.Seg))
	}
	if r.Aux != nil {
		b = protowire.AppendTag(b, fieldAux, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAux(*r.Aux))
	}
	return b
}

func encodeLabelMap(lm tensor.LabelMap) []byte {
	var b []byte
	b = appendVarint(b, fieldLabelH, uint64(lm.H))
	b = appendVarint(b, fieldLabelW, uint64(lm.W))
	var packed []byte
	for _, v := range lm.Data {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	b = protowire.AppendTag(b, fieldLabelData, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func encodeSeg(s SegPreResult) []byte {
	var b []byte
	b = appendDoubles(b, 1, s.Intersect)
	b = appendDoubles(b, 2, s.Union)
	b = appendDoubles(b, 3, s.PredArea)
	return appendDoubles(b, 4, s.LabelArea)
}

func encodeAux(a AuxPreResult) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, a.Mode)
	b = appendDoubles(b, 2, a.BinCount)
	b = appendDoubles(b, 3, a.BinConf)
	b = appendDoubles(b, 4, a.BinCorrect)
	b = appendDouble(b, 5, a.NLLSum)
	b = appendVarint(b, 6, uint64(a.Pixels))
	b = appendVarint(b, 7, uint64(a.EdgeCorrect))
	b = appendVarint(b, 8, uint64(a.EdgeTotal))
	b = appendDoubles(b, 9, a.OODScores)
	var packed []byte
	for _, t := range a.OODTargets {
		packed = protowire.AppendVarint(packed, protowire.EncodeBool(t))
	}
	b = protowire.AppendTag(b, 10, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	b = appendDouble(b, 11, a.VacuitySum)
	return appendDouble(b, 12, a.DissonanceSum)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// #endregion encode

// #region decode
// Decode parses a list produced by Encode.
func Decode(b []byte) ([]Result, error) {
	var rs []Result
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != fieldListItem || typ != protowire.BytesType {
			return nil
		}
		r, err := decodeResult(v)
		if err != nil {
			return fmt.Errorf("decode result %d: %w", len(rs), err)
		}
		rs = append(rs, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func decodeResult(b []byte) (Result, error) {
	var r Result
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fieldKind:
			r.Kind = Kind(x)
		case fieldPrediction:
			lm, err := decodeLabelMap(v)
			if err != nil {
				return err
			}
			r.Prediction = &lm
		case fieldPath:
			r.Path = string(v)
		case fieldFormatted:
			r.Formatted = string(v)
		case fieldSeg:
			s, err := decodeSeg(v)
			if err != nil {
				return err
			}
			r.Seg = &s
		case fieldAux:
			a, err := decodeAux(v)
			if err != nil {
				return err
			}
			r.Aux = &a
		}
		return nil
	})
	return r, err
}

func decodeLabelMap(b []byte) (tensor.LabelMap, error) {
	var lm tensor.LabelMap
	err := eachField(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fieldLabelH:
			lm.H = int(x)
		case fieldLabelW:
			lm.W = int(x)
		case fieldLabelData:
			for len(v) > 0 {
				u, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return fmt.Errorf("label data: %w", protowire.ParseError(n))
				}
				lm.Data = append(lm.Data, int(protowire.DecodeZigZag(u)))
				v = v[n:]
			}
		}
		return nil
	})
	if err != nil {
		return lm, err
	}
	if len(lm.Data) != lm.H*lm.W {
		return lm, fmt.Errorf("label map %dx%d with %d values: %w", lm.H, lm.W, len(lm.Data), ErrCodec)
	}
	return lm, nil
}

func decodeSeg(b []byte) (SegPreResult, error) {
	var s SegPreResult
	err := eachField(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		vs, err := consumeDoubles(v)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			s.Intersect = vs
		case 2:
			s.Union = vs
		case 3:
			s.PredArea = vs
		case 4:
			s.LabelArea = vs
		}
		return nil
	})
	return s, err
}

func decodeAux(b []byte) (AuxPreResult, error) {
	var a AuxPreResult
	err := eachField(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		var err error
		switch num {
		case 1:
			a.Mode = string(v)
		case 2:
			a.BinCount, err = consumeDoubles(v)
		case 3:
			a.BinConf, err = consumeDoubles(v)
		case 4:
			a.BinCorrect, err = consumeDoubles(v)
		case 5:
			a.NLLSum = math.Float64frombits(x)
		case 6:
			a.Pixels = int(x)
		case 7:
			a.EdgeCorrect = int(x)
		case 8:
			a.EdgeTotal = int(x)
		case 9:
			a.OODScores, err = consumeDoubles(v)
		case 10:
			for len(v) > 0 {
				u, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return fmt.Errorf("ood targets: %w", protowire.ParseError(n))
				}
				a.OODTargets = append(a.OODTargets, protowire.DecodeBool(u))
				v = v[n:]
			}
		case 11:
			a.VacuitySum = math.Float64frombits(x)
		case 12:
			a.DissonanceSum = math.Float64frombits(x)
		}
		return err
	})
	return a, err
}

func consumeDoubles(v []byte) ([]float64, error) {
	if len(v)%8 != 0 {
		return nil, fmt.Errorf("packed doubles of %d bytes: %w", len(v), ErrCodec)
	}
	if len(v) == 0 {
		return nil, nil
	}
	out := make([]float64, 0, len(v)/8)
	for len(v) > 0 {
		u, n := protowire.ConsumeFixed64(v)
		if n < 0 {
			return nil, fmt.Errorf("packed doubles: %w", protowire.ParseError(n))
		}
		out = append(out, math.Float64frombits(u))
		v = v[n:]
	}
	return out, nil
}

// eachField walks the top-level fields of one message. Bytes fields are
// passed as v, varint and fixed64 fields as x.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("consume tag: %w: %w", ErrCodec, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("consume field %d: %w: %w", num, ErrCodec, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

// #endregion decode
