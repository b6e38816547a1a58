// 本文件用于条件必填字段的通用规则引擎
// 规则以声明式表格给出 由同一个引擎统一求值
package validators

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ViolationKind 表示校验失败的类别
type ViolationKind string

const (
	KindMissingRequired   ViolationKind = "missing_required"
	KindNotPermitted      ViolationKind = "not_permitted"
	KindUnrecognizedField ViolationKind = "unrecognized_field"
	KindInvalidValue      ViolationKind = "invalid_value"
)

// ErrValidation 用于 errors.Is 判断是否为记录校验失败
var ErrValidation = errors.New("validation failed")

// Violation 表示一条校验失败
type Violation struct {
	Field         string        `json:"field" yaml:"field"`
	Kind          ViolationKind `json:"kind" yaml:"kind"`
	Discriminator string        `json:"discriminator,omitempty" yaml:"discriminator,omitempty"`
	Value         any           `json:"value,omitempty" yaml:"value,omitempty"`
	Detail        string        `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (v Violation) String() string {
	switch v.Kind {
	case KindMissingRequired:
		if v.Discriminator == "" {
			return fmt.Sprintf("'%s' 为必填字段", v.Field)
		}
		return fmt.Sprintf("'%s' 在 '%s = %v' 时必须提供", v.Field, v.Discriminator, v.Value)
	case KindNotPermitted:
		return fmt.Sprintf("'%s' 在 '%s = %v' 时不允许提供", v.Field, v.Discriminator, v.Value)
	case KindUnrecognizedField:
		return fmt.Sprintf("'%s' 不是可识别的字段", v.Field)
	case KindInvalidValue:
		return fmt.Sprintf("'%s' 取值无效: %s", v.Field, v.Detail)
	default:
		return fmt.Sprintf("'%s': %s", v.Field, v.Kind)
	}
}

// ValidationError 汇总一次校验中收集到的全部失败项
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "校验失败"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("校验失败，共 %d 项: %s", len(e.Violations), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Find 返回指定字段与类别的失败项
func (e *ValidationError) Find(field string, kind ViolationKind) (Violation, bool) {
	if e == nil {
		return Violation{}, false
	}
	for _, v := range e.Violations {
		if v.Field == field && v.Kind == kind {
			return v, true
		}
	}
	return Violation{}, false
}

// ConditionalRule 表示 Field 仅在 When 的取值属于 Values 时必须出现
// 未触发时 Field 必须缺省 不存在可选的中间状态
type ConditionalRule struct {
	Field  string
	When   string
	Values []any
}

// Triggered 判断记录中的判别字段是否命中触发值
func (r ConditionalRule) Triggered(record map[string]any) bool {
	current := record[r.When]
	if current == nil {
		return false
	}
	for _, candidate := range r.Values {
		if candidate == current {
			return true
		}
	}
	return false
}

func (r ConditionalRule) check(record map[string]any) (Violation, bool) {
	present := record[r.Field] != nil
	triggered := r.Triggered(record)
	switch {
	case triggered && !present:
		return Violation{Field: r.Field, Kind: KindMissingRequired, Discriminator: r.When, Value: record[r.When]}, true
	case !triggered && present:
		return Violation{Field: r.Field, Kind: KindNotPermitted, Discriminator: r.When, Value: record[r.When]}, true
	}
	return Violation{}, false
}

// Validate 按规则声明顺序检查记录 之后追加未识别字段
// 没有失败项时原样返回记录 否则返回包含全部失败项的 *ValidationError
func Validate(record map[string]any, rules []ConditionalRule, fields []string) (map[string]any, error) {
	violations := collectViolations(record, rules, fields)
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return record, nil
}

func collectViolations(record map[string]any, rules []ConditionalRule, fields []string) []Violation {
	var violations []Violation
	for _, rule := range rules {
		if v, ok := rule.check(record); ok {
			violations = append(violations, v)
		}
	}
	return append(violations, unrecognized(record, fields)...)
}

// unrecognized 用于实现封闭字段集 每个多余的键单独报告
func unrecognized(record map[string]any, fields []string) []Violation {
	legal := make(map[string]struct{}, len(fields))
	for _, name := range fields {
		legal[name] = struct{}{}
	}
	var extra []string
	for key := range record {
		if _, ok := legal[key]; !ok {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	out := make([]Violation, 0, len(extra))
	for _, key := range extra {
		out = append(out, Violation{Field: key, Kind: KindUnrecognizedField})
	}
	return out
}
