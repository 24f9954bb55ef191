package wire

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	syncerrors "auditsync/errors"
)

// bookkeepingFields 同步元数据与派生字段：每次变更必然不同，
// 不代表用户编辑，三方比较时全部忽略
var bookkeepingFields = map[string]struct{}{
	"sync_status":     {},
	"sync_version":    {},
	"local_revision":  {},
	"server_revision": {},
	"overall_score":   {},
	"created_at":      {},
	"updated_at":      {},
}

// TopLevelFields 将载荷展开为顶层字段映射
//
// 展开后的值已反序列化为通用结构，字段比较不受键序与空白差异影响。
func TopLevelFields(payload json.RawMessage) (map[string]any, error) {
	fields := make(map[string]any)
	if len(payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "decode payload fields")
	}
	return fields, nil
}

// flattenFields 把载荷展开到可独立合并的字段路径
//
// 审核树按 ID 寻址展开，不同分区、不同检查项的编辑因此互不碰撞：
//   - 顶层标量字段:       title
//   - 分区标量字段:       sections/<sid>/weight
//   - 检查项字段:         sections/<sid>/items/<iid>/response
//   - 审核发现（原子单元）: findings/<fid>
//   - 整改任务字段:       actions/<aid>/status
//
// 派生的分区 score 不展开。结构不符合预期的值退化为单个顶层字段。
func flattenFields(payload json.RawMessage) (map[string]any, error) {
	top, err := TopLevelFields(payload)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(top))
	for name, value := range top {
		switch name {
		case "sections":
			if flattenSections(out, value) {
				continue
			}
		case "findings":
			if flattenAtomic(out, "findings", value) {
				continue
			}
		case "actions":
			if flattenPerField(out, "actions", value, nil) {
				continue
			}
		}
		out[name] = value
	}
	return out, nil
}

func flattenSections(out map[string]any, value any) bool {
	sections, ok := value.([]any)
	if !ok {
		return false
	}
	for _, sv := range sections {
		section, ok := sv.(map[string]any)
		if !ok {
			return false
		}
		sid, ok := section["id"].(string)
		if !ok || sid == "" {
			return false
		}
		for f, fv := range section {
			switch f {
			case "id", "score":
				// score 是派生值
			case "items":
				items, ok := fv.([]any)
				if !ok {
					out["sections/"+sid+"/items"] = fv
					continue
				}
				for _, iv := range items {
					item, ok := iv.(map[string]any)
					if !ok {
						continue
					}
					iid, ok := item["id"].(string)
					if !ok || iid == "" {
						continue
					}
					for itemField, itemValue := range item {
						if itemField == "id" {
							continue
						}
						out["sections/"+sid+"/items/"+iid+"/"+itemField] = itemValue
					}
					// 存在性标记：空对象的新增/删除也要被比较看见
					out["sections/"+sid+"/items/"+iid] = true
				}
			default:
				out["sections/"+sid+"/"+f] = fv
			}
		}
		out["sections/"+sid] = true
	}
	return true
}

// flattenAtomic 整对象作为一个单元（审核发现不做字段级合并）
func flattenAtomic(out map[string]any, prefix string, value any) bool {
	arr, ok := value.([]any)
	if !ok {
		return false
	}
	for _, ev := range arr {
		obj, ok := ev.(map[string]any)
		if !ok {
			return false
		}
		id, ok := obj["id"].(string)
		if !ok || id == "" {
			return false
		}
		out[prefix+"/"+id] = obj
	}
	return true
}

// flattenPerField 数组元素按 ID 寻址、字段级展开
func flattenPerField(out map[string]any, prefix string, value any, skip map[string]struct{}) bool {
	arr, ok := value.([]any)
	if !ok {
		return false
	}
	for _, ev := range arr {
		obj, ok := ev.(map[string]any)
		if !ok {
			return false
		}
		id, ok := obj["id"].(string)
		if !ok || id == "" {
			return false
		}
		for f, fv := range obj {
			if f == "id" {
				continue
			}
			if skip != nil {
				if _, s := skip[f]; s {
					continue
				}
			}
			out[prefix+"/"+id+"/"+f] = fv
		}
		out[prefix+"/"+id] = true
	}
	return true
}

// ChangedFields 三方比较：返回 v 相对 base 改动（新增、删除或修改）的字段路径，升序
//
// 同步元数据与派生分数不参与比较，它们随每次落盘变化，不构成编辑冲突。
func ChangedFields(base, v json.RawMessage) ([]string, error) {
	baseFields, err := flattenFields(base)
	if err != nil {
		return nil, err
	}
	vFields, err := flattenFields(v)
	if err != nil {
		return nil, err
	}

	changed := make(map[string]struct{})
	for name, bv := range baseFields {
		if isBookkeeping(name) {
			continue
		}
		nv, ok := vFields[name]
		if !ok || !reflect.DeepEqual(bv, nv) {
			changed[name] = struct{}{}
		}
	}
	for name := range vFields {
		if isBookkeeping(name) {
			continue
		}
		if _, ok := baseFields[name]; !ok {
			changed[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(changed))
	for name := range changed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func isBookkeeping(path string) bool {
	_, ok := bookkeepingFields[path]
	return ok
}

// Overlap 两个字段路径集合是否碰撞
//
// 父子路径也算碰撞：一侧改了整个分区（如删除），另一侧改了其中
// 一个检查项，二者不能独立合并。
func Overlap(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; ok {
			return true
		}
	}
	// 前缀包含检查
	for _, x := range a {
		for _, y := range b {
			if strings.HasPrefix(x, y+"/") || strings.HasPrefix(y, x+"/") {
				return true
			}
		}
	}
	return false
}

// MergeFields 将 fields 列出的字段路径从 src 应用到 dst，返回合并后的载荷
//
// 用于不相交编辑的自动合并：以远端载荷为底，叠加本地改动过的字段。
// 路径指向的单元在 src 中不存在时，从 dst 中删除（本地删除了该单元）。
func MergeFields(dst, src json.RawMessage, fields []string) (json.RawMessage, error) {
	dstFields, err := TopLevelFields(dst)
	if err != nil {
		return nil, err
	}
	srcFields, err := TopLevelFields(src)
	if err != nil {
		return nil, err
	}

	for _, path := range fields {
		applyPath(dstFields, srcFields, strings.Split(path, "/"))
	}

	merged, err := json.Marshal(dstFields)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindInternal, "encode merged payload")
	}
	return merged, nil
}

// applyPath 把一条字段路径的 src 值落到 dst 结构上
func applyPath(dst, src map[string]any, path []string) {
	if len(path) == 1 {
		if v, ok := src[path[0]]; ok {
			dst[path[0]] = v
		} else {
			delete(dst, path[0])
		}
		return
	}

	// 数组单元路径：<collection>/<id>[/...]
	collection, id := path[0], path[1]
	srcObj := findByID(src[collection], id)
	if srcObj == nil {
		// 本地删除了该单元
		dst[collection] = removeByID(dst[collection], id)
		return
	}
	dstObj := findByID(dst[collection], id)
	if dstObj == nil {
		// 本地新增的单元：整体并入
		dst[collection] = appendObj(dst[collection], srcObj)
		return
	}

	switch {
	case len(path) == 2:
		// 存在性标记或原子单元（findings）：整体替换
		dst[collection] = replaceByID(dst[collection], id, srcObj)

	case len(path) == 3:
		setField(dstObj, srcObj, path[2])

	case path[2] == "items":
		// 下钻到检查项：items/<iid> 或 items/<iid>/<field>
		applyPath(dstObj, srcObj, path[2:])
	}
}

func setField(dstObj, srcObj map[string]any, field string) {
	if v, ok := srcObj[field]; ok {
		dstObj[field] = v
	} else {
		delete(dstObj, field)
	}
}

func findByID(value any, id string) map[string]any {
	arr, ok := value.([]any)
	if !ok {
		return nil
	}
	for _, ev := range arr {
		if obj, ok := ev.(map[string]any); ok {
			if objID, _ := obj["id"].(string); objID == id {
				return obj
			}
		}
	}
	return nil
}

func removeByID(value any, id string) any {
	arr, ok := value.([]any)
	if !ok {
		return value
	}
	out := make([]any, 0, len(arr))
	for _, ev := range arr {
		if obj, ok := ev.(map[string]any); ok {
			if objID, _ := obj["id"].(string); objID == id {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

func replaceByID(value any, id string, replacement map[string]any) any {
	arr, ok := value.([]any)
	if !ok {
		return []any{replacement}
	}
	for i, ev := range arr {
		if obj, ok := ev.(map[string]any); ok {
			if objID, _ := obj["id"].(string); objID == id {
				arr[i] = replacement
				return arr
			}
		}
	}
	return append(arr, replacement)
}

func appendObj(value any, obj map[string]any) any {
	arr, ok := value.([]any)
	if !ok {
		return []any{obj}
	}
	return append(arr, obj)
}
