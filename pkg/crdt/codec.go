package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// 操作码。
const (
	codeMapSet       byte = 0x11
	codeMapDelete    byte = 0x12
	codeTextInsert   byte = 0x21
	codeTextDelete   byte = 0x22
	codeRecordUpsert byte = 0x31
	codeRecordDelete byte = 0x32
)

// wireOp 是所有操作类型共用的传输结构，按操作码取用字段。
type wireOp struct {
	Code   byte           `msgpack:"c"`
	Key    string         `msgpack:"k,omitempty"`
	Value  any            `msgpack:"v,omitempty"`
	ID     string         `msgpack:"i,omitempty"`
	Origin string         `msgpack:"o,omitempty"`
	Rune   rune           `msgpack:"r,omitempty"`
	Fields map[string]any `msgpack:"f,omitempty"`
	Clock  int64          `msgpack:"t,omitempty"`
	Actor  string         `msgpack:"a,omitempty"`
}

// EncodeOp 将操作序列化为传输字节。
func EncodeOp(op Op) ([]byte, error) {
	var w wireOp
	switch o := op.(type) {
	case OpMapSet:
		w = wireOp{Code: codeMapSet, Key: o.Key, Value: o.Value, Clock: o.Clock, Actor: o.Actor}
	case OpMapDelete:
		w = wireOp{Code: codeMapDelete, Key: o.Key, Clock: o.Clock, Actor: o.Actor}
	case OpTextInsert:
		w = wireOp{Code: codeTextInsert, ID: o.ID, Origin: o.Origin, Rune: o.Rune}
	case OpTextDelete:
		w = wireOp{Code: codeTextDelete, ID: o.ID, Clock: o.Clock}
	case OpRecordUpsert:
		w = wireOp{Code: codeRecordUpsert, ID: o.ID, Fields: o.Fields, Clock: o.Clock, Actor: o.Actor}
	case OpRecordDelete:
		w = wireOp{Code: codeRecordDelete, ID: o.ID, Clock: o.Clock, Actor: o.Actor}
	default:
		return nil, fmt.Errorf("%w: 无法编码 %T", ErrInvalidOp, op)
	}
	return msgpack.Marshal(&w)
}

// DecodeOp 从传输字节恢复操作。
// 载荷损坏、操作码未知或必要字段缺失均返回 DecodeError。
func DecodeOp(data []byte) (Op, error) {
	var w wireOp
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "操作载荷", Err: err}
	}

	switch w.Code {
	case codeMapSet:
		if w.Key == "" {
			return nil, &DecodeError{Reason: "map set 缺少键"}
		}
		return OpMapSet{Key: w.Key, Value: w.Value, Clock: w.Clock, Actor: w.Actor}, nil
	case codeMapDelete:
		if w.Key == "" {
			return nil, &DecodeError{Reason: "map delete 缺少键"}
		}
		return OpMapDelete{Key: w.Key, Clock: w.Clock, Actor: w.Actor}, nil
	case codeTextInsert:
		if w.ID == "" || w.Origin == "" {
			return nil, &DecodeError{Reason: "text insert 缺少 ID 或锚点"}
		}
		return OpTextInsert{ID: w.ID, Origin: w.Origin, Rune: w.Rune}, nil
	case codeTextDelete:
		if w.ID == "" {
			return nil, &DecodeError{Reason: "text delete 缺少 ID"}
		}
		return OpTextDelete{ID: w.ID, Clock: w.Clock}, nil
	case codeRecordUpsert:
		if w.ID == "" {
			return nil, &DecodeError{Reason: "record upsert 缺少 ID"}
		}
		return OpRecordUpsert{ID: w.ID, Fields: w.Fields, Clock: w.Clock, Actor: w.Actor}, nil
	case codeRecordDelete:
		if w.ID == "" {
			return nil, &DecodeError{Reason: "record delete 缺少 ID"}
		}
		return OpRecordDelete{ID: w.ID, Clock: w.Clock, Actor: w.Actor}, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("未知操作码 0x%02x", w.Code)}
	}
}
