package doc

import (
	"fmt"
)

// Kind 是文档类别，决定同步端点路径与本地持久化键。
type Kind string

const (
	KindNotes       Kind = "notes"        // 笔记文档
	KindViews       Kind = "views"        // 视图文档（日历/地图/看板/白板）
	KindPublicViews Kind = "public/views" // 公开只读视图
)

// Valid 报告类别是否已知。
func (k Kind) Valid() bool {
	switch k {
	case KindNotes, KindViews, KindPublicViews:
		return true
	}
	return false
}

// ReadOnly 报告该类别的会话是否只读。
func (k Kind) ReadOnly() bool {
	return k == KindPublicViews
}

// ID 是一个协作文档的稳定标识。
type ID struct {
	Kind      Kind
	Entity    string // 笔记/视图的实体 ID
	Workspace string // 可选的工作区范围
}

// Validate 检查标识是否完整。
func (id ID) Validate() error {
	if !id.Kind.Valid() {
		return fmt.Errorf("未知文档类别 %q", id.Kind)
	}
	if id.Entity == "" {
		return fmt.Errorf("文档实体 ID 不能为空")
	}
	return nil
}

// String 返回稳定的文档标识字符串。
func (id ID) String() string {
	return string(id.Kind) + ":" + id.Entity
}

// Path 返回同步端点路径 /ws/{kind}/{entity}。
func (id ID) Path() string {
	return "/ws/" + string(id.Kind) + "/" + id.Entity
}

// Canonical 返回文档的规范身份。公开只读视图与普通视图是同一份文档，
// 类别只区分访问模式；存储键与服务端分发都按规范身份进行。
func (id ID) Canonical() ID {
	if id.Kind == KindPublicViews {
		id.Kind = KindViews
	}
	return id
}

// StorageKey 返回本地持久化键 notepia-{kind}-{entity}。
// 公开只读视图与普通视图共享同一份快照。
func (id ID) StorageKey() string {
	c := id.Canonical()
	return "notepia-" + string(c.Kind) + "-" + c.Entity
}
