// 协作笔记演示：打开一个文档会话，支持交互式编辑并实时观察
// 其他副本的改动。可多开进程连到同一个中继体验协同。
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ti777777/notepia-sub002/pkg/bridge"
	"github.com/ti777777/notepia-sub002/pkg/crdt"
	"github.com/ti777777/notepia-sub002/pkg/doc"
	"github.com/ti777777/notepia-sub002/pkg/session"
	"github.com/ti777777/notepia-sub002/pkg/store"
	"github.com/ti777777/notepia-sub002/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	endpoint := flag.String("endpoint", "", "可选：同步端点，例如 ws://127.0.0.1:9010")
	entity := flag.String("doc", "demo-note", "文档实体 ID")
	kind := flag.String("kind", "notes", "文档类别 (notes / views / public/views)")
	name := flag.String("name", "", "在场名字")
	dataDir := flag.String("data", "", "可选：badger 数据目录，留空则不持久化")
	debug := flag.Bool("debug", false, "开启同步调试日志")
	flag.Parse()

	if !*debug {
		log.SetOutput(io.Discard)
	}

	opts := []session.Option{session.WithActorName(*name)}
	if *endpoint != "" {
		opts = append(opts, session.WithEndpoint(*endpoint))
	}
	if *dataDir != "" {
		st, err := store.NewBadgerStore(*dataDir)
		if err != nil {
			return fmt.Errorf("打开数据目录: %w", err)
		}
		defer st.Close()
		opts = append(opts, session.WithStore(st))
	}

	id := doc.ID{Kind: doc.Kind(*kind), Entity: *entity}
	s, err := session.Open(id, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	s.OnStatus(func(ts transport.Status) {
		fmt.Printf("[连接] %s\n", ts)
	})
	s.Awareness().OnUpdate(func(entries []transport.PresenceEntry) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			n := e.Name
			if n == "" {
				n = e.Actor[:8]
			}
			names = append(names, n)
		}
		fmt.Printf("[在场] %s\n", strings.Join(names, ", "))
	})

	// 远程改动到达时重新展示正文
	o := bridge.Attach(s)
	o.Watch("body", crdt.KindText, func(snap bridge.Snapshot) {
		fmt.Printf("[正文] %q\n", snap.Text)
	})

	fmt.Printf("文档 %s 已打开 (actor %s), 输入 help 查看命令\n", id, s.Actor()[:8])
	return repl(s)
}

func repl(s *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		var err error
		switch fields[0] {
		case "help":
			printHelp()
		case "show":
			fmt.Printf("%q\n", s.Document().Text("body").String())
		case "insert":
			err = cmdInsert(s, fields[1:])
		case "del":
			err = cmdDelete(s, fields[1:])
		case "set":
			err = cmdSet(s, fields[1:])
		case "meta":
			printMeta(s)
		case "card":
			err = cmdCard(s, fields[1:])
		case "cards":
			printCards(s)
		case "status":
			st := s.Status()
			fmt.Printf("state=%s transport=%s synced=%v durable=%v readonly=%v\n",
				st.State, st.Transport, st.Synced, st.Durable, st.ReadOnly)
		case "quit", "exit":
			return nil
		default:
			fmt.Println("未知命令, 输入 help 查看用法")
		}
		if err != nil {
			fmt.Printf("错误: %v\n", err)
		}
	}
}

func printHelp() {
	fmt.Println(`命令:
  show                      显示正文
  insert <位置> <文本>       在指定位置插入文本
  del <位置> <长度>          删除一段文本
  set <键> <值>              设置元数据字段
  meta                      显示元数据
  card add <列> <标题>       新建看板卡片
  card del <ID>             删除卡片
  cards                     列出卡片
  status                    会话状态
  quit                      退出`)
}

func cmdInsert(s *session.Session, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("用法: insert <位置> <文本>")
	}
	pos, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("位置必须是数字: %v", err)
	}
	return s.InsertText("body", pos, strings.Join(args[1:], " "))
}

func cmdDelete(s *session.Session, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("用法: del <位置> <长度>")
	}
	pos, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	return s.DeleteText("body", pos, n)
}

func cmdSet(s *session.Session, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("用法: set <键> <值>")
	}
	return s.SetField("meta", args[0], strings.Join(args[1:], " "))
}

func printMeta(s *session.Session) {
	fields, ok := s.Document().Map("meta").Value().(map[string]any)
	if !ok || len(fields) == 0 {
		fmt.Println("(空)")
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, fields[k])
	}
}

func cmdCard(s *session.Session, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("用法: card add <列> <标题> | card del <ID>")
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("用法: card add <列> <标题>")
		}
		id := s.NewRecordID()
		err := s.UpsertRecord("cards", id, map[string]any{
			"column": args[1],
			"title":  strings.Join(args[2:], " "),
			"order":  float64(s.Document().Records("cards").Len()),
		})
		if err == nil {
			fmt.Printf("卡片 %s 已创建\n", id)
		}
		return err
	case "del":
		return s.DeleteRecord("cards", args[1])
	default:
		return fmt.Errorf("未知子命令 %q", args[0])
	}
}

func printCards(s *session.Session) {
	records, ok := s.Document().Records("cards").Value().(map[string]map[string]any)
	if !ok || len(records) == 0 {
		fmt.Println("(无卡片)")
		return
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		card, err := bridge.DecodeKanbanCard(records[id])
		if err != nil {
			fmt.Printf("  %s (负载损坏: %v)\n", id, err)
			continue
		}
		fmt.Printf("  [%s] %s  (%s)\n", card.Column, card.Title, id)
	}
}
