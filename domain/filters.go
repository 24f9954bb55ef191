package domain

import (
	"sort"
	"strings"
)

// ListFilters 审核单列表过滤条件
//
// 零值表示不过滤；多个条件之间为与关系，Tags 内部为或关系。
type ListFilters struct {
	Search      string      `json:"search,omitempty"`
	Status      AuditStatus `json:"status,omitempty"`
	AssigneeRef string      `json:"assignee_ref,omitempty"`
	Category    string      `json:"category,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
}

// IsZero 是否为空过滤条件
func (f ListFilters) IsZero() bool {
	return f.Search == "" && f.Status == "" && f.AssigneeRef == "" &&
		f.Category == "" && len(f.Tags) == 0
}

// Match 判断审核单是否满足过滤条件
func (f ListFilters) Match(a *Audit) bool {
	if a == nil {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.AssigneeRef != "" && a.AuditorRef != f.AssigneeRef {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(a.Title), needle) &&
			!strings.Contains(strings.ToLower(a.LocationRef), needle) {
			return false
		}
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, tag := range a.Tags {
				if tag == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CacheKey 返回过滤条件的规范化缓存键片段
//
// 同一查询形状必须得到同一键，用于按查询形状缓存列表快照。
func (f ListFilters) CacheKey() string {
	if f.IsZero() {
		return "all"
	}
	var b strings.Builder
	b.WriteString("search=" + strings.ToLower(f.Search))
	b.WriteString("|status=" + string(f.Status))
	b.WriteString("|assignee=" + f.AssigneeRef)
	b.WriteString("|category=" + f.Category)
	b.WriteString("|tags=")
	tags := cloneStrings(f.Tags)
	sort.Strings(tags)
	b.WriteString(strings.Join(tags, ","))
	return b.String()
}
