// 本文件用于字段声明与类型校验 在规则引擎之上补充默认值与取值约束
package validators

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// FieldType 表示字段期望的类型
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypePositiveInt
	TypeNumber
	TypeBool
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypePositiveInt:
		return "positive int"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	}
	return "unknown"
}

// Field 表示一个字段声明
type Field struct {
	Name     string
	Type     FieldType
	Enum     []string
	Pattern  *regexp.Regexp
	Default  any
	Required bool
}

// Schema 由封闭字段集与条件规则组成
type Schema struct {
	Fields []Field
	Rules  []ConditionalRule
}

// FieldNames 返回声明顺序的字段名
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

func (s Schema) ruleFor(name string) (ConditionalRule, bool) {
	for _, rule := range s.Rules {
		if rule.Field == name {
			return rule, true
		}
	}
	return ConditionalRule{}, false
}

// Validate 对原始记录做类型转换 默认值填充和条件规则校验
// 返回的记录只包含声明过的字段
func (s Schema) Validate(raw map[string]any) (map[string]any, error) {
	typed := make(map[string]any, len(raw))
	invalid := make(map[string]bool)
	var violations []Violation

	for _, f := range s.Fields {
		value := raw[f.Name]
		if value == nil {
			continue
		}
		converted, err := f.convert(value)
		if err != nil {
			violations = append(violations, Violation{Field: f.Name, Kind: KindInvalidValue, Detail: err.Error()})
			invalid[f.Name] = true
			continue
		}
		typed[f.Name] = converted
	}

	// 默认值只在字段的规则被触发时填充 否则会和 not_permitted 冲突
	for _, f := range s.Fields {
		if f.Default == nil || invalid[f.Name] || typed[f.Name] != nil {
			continue
		}
		if rule, ok := s.ruleFor(f.Name); ok && !rule.Triggered(typed) {
			continue
		}
		typed[f.Name] = f.Default
	}

	for _, f := range s.Fields {
		if f.Required && !invalid[f.Name] && typed[f.Name] == nil {
			violations = append(violations, Violation{Field: f.Name, Kind: KindMissingRequired})
		}
	}

	probe := make(map[string]any, len(raw))
	for key, value := range typed {
		probe[key] = value
	}
	for key, value := range raw {
		if _, ok := probe[key]; !ok && !s.declares(key) {
			probe[key] = value
		}
	}
	if _, err := Validate(probe, s.Rules, s.FieldNames()); err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		for _, v := range verr.Violations {
			// 类型已报错的字段不再重复报告规则问题
			if v.Kind != KindUnrecognizedField && invalid[v.Field] {
				continue
			}
			violations = append(violations, v)
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return typed, nil
}

func (s Schema) declares(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (f Field) convert(value any) (any, error) {
	switch f.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("期望 string，实际 %T", value)
		}
		if len(f.Enum) > 0 && !containsString(f.Enum, str) {
			return nil, fmt.Errorf("%q 不在可选值 [%s] 中", str, strings.Join(f.Enum, ", "))
		}
		if f.Pattern != nil && !f.Pattern.MatchString(str) {
			return nil, fmt.Errorf("%q 不匹配 %s", str, f.Pattern.String())
		}
		return str, nil
	case TypeInt, TypePositiveInt:
		n, ok := toInt(value)
		if !ok {
			return nil, fmt.Errorf("期望 %s，实际 %T(%v)", f.Type, value, value)
		}
		if f.Type == TypePositiveInt && n <= 0 {
			return nil, fmt.Errorf("期望正整数，实际 %d", n)
		}
		return n, nil
	case TypeNumber:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("期望 number，实际 %T(%v)", value, value)
		}
		return n, nil
	case TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("期望 bool，实际 %T", value)
		}
		return b, nil
	}
	return nil, fmt.Errorf("未知的字段类型: %d", int(f.Type))
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		if v < math.MinInt || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint:
		if v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		if uint64(v) > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint64:
		if v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	}
	return 0, false
}

// floatToInt 只接受没有小数部分的浮点数
func floatToInt(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, false
	}
	// float64(math.MaxInt) 会进位到 2^63 需要用 >= 排除
	if v < math.MinInt || v >= math.MaxInt {
		return 0, false
	}
	return int(v), true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	if n, ok := toInt(value); ok {
		return float64(n), true
	}
	return 0, false
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
