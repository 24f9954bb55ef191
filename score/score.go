// Package score 实现审核评分的纯函数汇总
//
// 设计原则：
//  1. 纯函数 - 无副作用、无 I/O，相同输入必得相同输出
//  2. 派生值 - 分数永远由当前子状态重算得出，不允许独立漂移
//  3. 空值语义 - 无计分项的分区得分为 nil，并且不参与上层汇总（排除而非按 0 计）
//
// 计分规则：
//   - 仅 compliant / non_compliant 响应计入分母，na 与 unset 完全排除
//   - 分区得分 = 计分项中合规项的加权占比 × 100，四舍五入（0.5 进位）
//   - 审核得分 = 非空分区得分按分区权重加权平均，同样取整
//   - 权重未设置（<= 0）时按 1 处理
package score

import (
	"math"

	"auditsync/domain"
)

// SectionScore 计算分区得分，无计分项时返回 nil
func SectionScore(s *domain.Section) *int {
	if s == nil {
		return nil
	}
	var countedWeight, compliantWeight float64
	for i := range s.Items {
		item := &s.Items[i]
		switch item.Response {
		case domain.ResponseCompliant:
			w := itemWeight(item)
			countedWeight += w
			compliantWeight += w
		case domain.ResponseNonCompliant:
			countedWeight += itemWeight(item)
		}
	}
	if countedWeight == 0 {
		return nil
	}
	v := roundHalfUp(compliantWeight / countedWeight * 100)
	return &v
}

// AuditScore 计算审核总分：非空分区得分的加权平均，全部为空时返回 nil
func AuditScore(a *domain.Audit) *int {
	if a == nil {
		return nil
	}
	var totalWeight, weightedSum float64
	for i := range a.Sections {
		sec := &a.Sections[i]
		secScore := SectionScore(sec)
		if secScore == nil {
			continue
		}
		w := sectionWeight(sec)
		totalWeight += w
		weightedSum += w * float64(*secScore)
	}
	if totalWeight == 0 {
		return nil
	}
	v := roundHalfUp(weightedSum / totalWeight)
	return &v
}

// Recompute 就地刷新聚合内所有派生分数
//
// 任何检查项响应变化、分区/检查项增删之后都必须调用；
// 分数在展示或上送之前必须是最新的。
func Recompute(a *domain.Audit) {
	if a == nil {
		return
	}
	for i := range a.Sections {
		a.Sections[i].Score = SectionScore(&a.Sections[i])
	}
	a.OverallScore = AuditScore(a)
}

func itemWeight(item *domain.Item) float64 {
	if item.Weight > 0 {
		return item.Weight
	}
	return 1
}

func sectionWeight(s *domain.Section) float64 {
	if s.Weight > 0 {
		return s.Weight
	}
	return 1
}

// roundHalfUp 四舍五入到最近整数，0.5 向上进位
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
