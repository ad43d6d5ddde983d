package crdt

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestCodec_OpRoundTrip(t *testing.T) {
	ops := []Op{
		OpMapSet{Key: "title", Value: "note", Clock: 5, Actor: "a"},
		OpMapDelete{Key: "title", Clock: 6, Actor: "a"},
		OpTextInsert{ID: VertexID(7, "a"), Origin: HeadID, Rune: '你'},
		OpTextDelete{ID: VertexID(7, "a"), Clock: 8},
		OpRecordUpsert{ID: "rec", Fields: map[string]any{"k": "v"}, Clock: 9, Actor: "a"},
		OpRecordDelete{ID: "rec", Clock: 10, Actor: "a"},
	}

	for _, op := range ops {
		data, err := EncodeOp(op)
		if err != nil {
			t.Fatalf("编码 %T 失败: %v", op, err)
		}
		got, err := DecodeOp(data)
		if err != nil {
			t.Fatalf("解码 %T 失败: %v", op, err)
		}
		if got.Kind() != op.Kind() {
			t.Fatalf("往返后类型不一致: %v vs %v", got.Kind(), op.Kind())
		}
	}
}

func TestCodec_TextInsertPreservesRune(t *testing.T) {
	op := OpTextInsert{ID: VertexID(7, "a"), Origin: HeadID, Rune: '好'}
	data, _ := EncodeOp(op)
	got, err := DecodeOp(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if got.(OpTextInsert).Rune != '好' {
		t.Fatalf("多字节字符往返失败: %c", got.(OpTextInsert).Rune)
	}
}

func TestCodec_RejectsMalformed(t *testing.T) {
	cases := [][]byte{
		{0xc1},             // 非法 msgpack
		{0x80},             // 空 map：缺操作码
		mustEncode(t, 0xEE), // 未知操作码
	}
	for i, data := range cases {
		if _, err := DecodeOp(data); err == nil {
			t.Fatalf("用例 %d: 损坏载荷应被拒绝", i)
		} else if !IsDecodeError(err) {
			t.Fatalf("用例 %d: 应返回 DecodeError, 得到 %v", i, err)
		}
	}
}

// mustEncode 构造一个携带指定操作码的合法 msgpack 载荷。
func mustEncode(t *testing.T, code byte) []byte {
	t.Helper()
	data, err := msgpack.Marshal(&wireOp{Code: code, Key: "k"})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	return data
}
