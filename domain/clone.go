package domain

// Clone 深拷贝整个聚合
//
// 实体存储对外只暴露副本，调用方持有的指针不会与存储内部状态共享可变内存。
func (a *Audit) Clone() *Audit {
	if a == nil {
		return nil
	}
	out := *a
	out.OverallScore = cloneIntPtr(a.OverallScore)
	out.Tags = cloneStrings(a.Tags)

	if a.Sections != nil {
		out.Sections = make([]Section, len(a.Sections))
		for i := range a.Sections {
			out.Sections[i] = a.Sections[i].clone()
		}
	}
	if a.Findings != nil {
		out.Findings = make([]Finding, len(a.Findings))
		for i := range a.Findings {
			out.Findings[i] = a.Findings[i]
			out.Findings[i].AttachmentRefs = cloneStrings(a.Findings[i].AttachmentRefs)
		}
	}
	if a.Actions != nil {
		out.Actions = make([]Action, len(a.Actions))
		for i := range a.Actions {
			out.Actions[i] = a.Actions[i].clone()
		}
	}
	return &out
}

func (s Section) clone() Section {
	out := s
	out.Score = cloneIntPtr(s.Score)
	if s.Items != nil {
		out.Items = make([]Item, len(s.Items))
		for i := range s.Items {
			out.Items[i] = s.Items[i]
			out.Items[i].AttachmentRefs = cloneStrings(s.Items[i].AttachmentRefs)
		}
	}
	return out
}

func (ac Action) clone() Action {
	out := ac
	if ac.DueDate != nil {
		due := *ac.DueDate
		out.DueDate = &due
	}
	if ac.Comments != nil {
		out.Comments = make([]Comment, len(ac.Comments))
		copy(out.Comments, ac.Comments)
	}
	return out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
