// Package conflict 实现三方比较的冲突裁决
//
// 裁决以最近一次服务端确认快照为基准（三方比较的 base），
// 对本地与远端各自改动的顶层字段求并集与交集：
//   - 编辑不相交：自动合并，两边改动都保留
//   - 同字段碰撞：拒绝自动裁决，交由人工复核（审计数据不允许静默丢失）
//   - 删除参与：删除占优，但以冲突通告上报，不静默执行
package conflict

import (
	"encoding/json"
	"fmt"
	"strings"

	"auditsync/wire"
)

// Winner 裁决结果的胜出方
type Winner string

const (
	// WinnerLocal 远端相对基准无改动，本地版本直接胜出
	WinnerLocal Winner = "local"

	// WinnerRemote 本地相对基准无改动（或删除占优），远端版本胜出
	WinnerRemote Winner = "remote"

	// WinnerMerged 不相交编辑，自动合并产物胜出
	WinnerMerged Winner = "merged"
)

// Resolution 一次裁决的完整结论
type Resolution struct {
	// Winner 胜出方；RequiresManualReview 为 true 时表示"暂存远端、侧缓冲本地"
	Winner Winner

	// Merged 自动合并产物，仅 Winner == WinnerMerged 时非空
	Merged json.RawMessage

	// RequiresManualReview 同字段碰撞，需要用户显式解除
	RequiresManualReview bool

	// Notice 面向用户的冲突说明（删除占优、碰撞字段列表等）
	Notice string

	// LocalChanged / RemoteChanged 两侧相对基准改动的顶层字段，升序
	LocalChanged  []string
	RemoteChanged []string
}

// Input 一次裁决的输入
//
// Base 是最近一次服务端确认的快照；Local 与 Remote 是待裁决的两个版本。
// 删除没有载荷，用布尔标记表达。
type Input struct {
	Base   json.RawMessage
	Local  json.RawMessage
	Remote json.RawMessage

	LocalDeleted  bool
	RemoteDeleted bool
}

// Resolve 对一个实体的本地与远端版本做三方裁决
//
// 纯函数：不触碰存储，不产生副作用，结论由调用方执行。
func Resolve(in Input) (Resolution, error) {
	// 删除占优：任意一侧删除即胜出，但必须以通告上报
	if in.RemoteDeleted {
		notice := "entity was deleted on the server"
		if !in.LocalDeleted {
			notice += "; your local edits were discarded"
		}
		return Resolution{Winner: WinnerRemote, Notice: notice}, nil
	}
	if in.LocalDeleted {
		return Resolution{
			Winner: WinnerLocal,
			Notice: "entity was deleted locally while the server version changed; the delete takes precedence",
		}, nil
	}

	localChanged, err := wire.ChangedFields(in.Base, in.Local)
	if err != nil {
		return Resolution{}, err
	}
	remoteChanged, err := wire.ChangedFields(in.Base, in.Remote)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{LocalChanged: localChanged, RemoteChanged: remoteChanged}

	switch {
	case len(localChanged) == 0:
		res.Winner = WinnerRemote
		return res, nil

	case len(remoteChanged) == 0:
		res.Winner = WinnerLocal
		return res, nil

	case !wire.Overlap(localChanged, remoteChanged):
		// 不相交编辑：以远端为底，叠加本地改动过的字段
		merged, err := wire.MergeFields(in.Remote, in.Local, localChanged)
		if err != nil {
			return Resolution{}, err
		}
		res.Winner = WinnerMerged
		res.Merged = merged
		return res, nil

	default:
		// 同字段碰撞：last-write-wins 会静默丢失审计数据，拒绝自动裁决
		res.Winner = WinnerRemote
		res.RequiresManualReview = true
		res.Notice = fmt.Sprintf("both sides changed: %s", strings.Join(overlapping(localChanged, remoteChanged), ", "))
		return res, nil
	}
}

func overlapping(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	out := make([]string, 0)
	for _, f := range b {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
