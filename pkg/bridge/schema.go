package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadPayload 表示记录字段不符合消费方声明的模式。
// 损坏的负载在桥接边界报告，不向上传播半成品。
var ErrBadPayload = errors.New("负载格式错误")

// CalendarSlotData 是日历视图一个日程槽的负载。
type CalendarSlotData struct {
	Date  string // ISO 日期，2006-01-02
	Color string
}

// MapMarkerData 是地图视图一个标记的负载。
type MapMarkerData struct {
	Lat   float64
	Lng   float64
	Color string
}

// KanbanCardData 是看板视图一张卡片的负载。
type KanbanCardData struct {
	Column string  // 所在列的对象 ID
	Order  float64 // 列内排序权重
	Title  string
}

// WhiteboardShapeData 是白板视图一个图形的负载。
type WhiteboardShapeData struct {
	Type        string // rectangle / circle / line
	X, Y        float64
	Width       float64
	Height      float64
	Color       string
	StrokeWidth float64
	Filled      bool
}

// DecodeCalendarSlot 从记录字段解出日程槽负载。
func DecodeCalendarSlot(fields map[string]any) (CalendarSlotData, error) {
	var d CalendarSlotData
	date, ok := asString(fields["date"])
	if !ok {
		return d, fmt.Errorf("%w: calendar_slot 缺少 date", ErrBadPayload)
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return d, fmt.Errorf("%w: calendar_slot date %q 不是 ISO 日期", ErrBadPayload, date)
	}
	d.Date = date
	d.Color, _ = asString(fields["color"])
	return d, nil
}

// DecodeMapMarker 从记录字段解出地图标记负载。
func DecodeMapMarker(fields map[string]any) (MapMarkerData, error) {
	var d MapMarkerData
	lat, ok := asFloat(fields["lat"])
	if !ok || lat < -90 || lat > 90 {
		return d, fmt.Errorf("%w: map_marker lat 非法: %v", ErrBadPayload, fields["lat"])
	}
	lng, ok := asFloat(fields["lng"])
	if !ok || lng < -180 || lng > 180 {
		return d, fmt.Errorf("%w: map_marker lng 非法: %v", ErrBadPayload, fields["lng"])
	}
	d.Lat, d.Lng = lat, lng
	d.Color, _ = asString(fields["color"])
	return d, nil
}

// DecodeKanbanCard 从记录字段解出看板卡片负载。
func DecodeKanbanCard(fields map[string]any) (KanbanCardData, error) {
	var d KanbanCardData
	column, ok := asString(fields["column"])
	if !ok || column == "" {
		return d, fmt.Errorf("%w: kanban_card 缺少 column", ErrBadPayload)
	}
	d.Column = column
	d.Order, _ = asFloat(fields["order"])
	d.Title, _ = asString(fields["title"])
	return d, nil
}

// DecodeWhiteboardShape 从记录字段解出白板图形负载。
func DecodeWhiteboardShape(fields map[string]any) (WhiteboardShapeData, error) {
	var d WhiteboardShapeData
	typ, ok := asString(fields["type"])
	if !ok {
		return d, fmt.Errorf("%w: whiteboard_shape 缺少 type", ErrBadPayload)
	}
	switch typ {
	case "rectangle", "circle", "line":
	default:
		return d, fmt.Errorf("%w: whiteboard_shape 未知类型 %q", ErrBadPayload, typ)
	}
	d.Type = typ

	x, okX := asFloat(fields["x"])
	y, okY := asFloat(fields["y"])
	if !okX || !okY {
		return d, fmt.Errorf("%w: whiteboard_shape 缺少位置", ErrBadPayload)
	}
	d.X, d.Y = x, y
	d.Width, _ = asFloat(fields["width"])
	d.Height, _ = asFloat(fields["height"])
	d.Color, _ = asString(fields["color"])
	d.StrokeWidth, _ = asFloat(fields["strokeWidth"])
	d.Filled, _ = fields["filled"].(bool)
	return d, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asFloat 接受编解码往返可能产生的各种数值表示。
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
