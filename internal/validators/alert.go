// 本文件用于定义告警配置的字段集与条件规则
package validators

import (
	"fmt"
	"regexp"
	"sort"
)

// NameRegex 告警名称允许的字符
const NameRegex = `^[a-zA-Z0-9\-\_\s\/\.:]+$`

const (
	SourceMetrics = "metrics"
	SourceEvents  = "events"
	SourceUser    = "user"

	RuleIsAbove        = "is above"
	RuleIsBelow        = "is below"
	RuleIsOutsideRange = "is outside range"
	RuleIsInsideRange  = "is inside range"

	NotificationNone  = "none"
	NotificationEmail = "email"

	AggregationAverage    = "average"
	AggregationSum        = "sum"
	AggregationAtLeastOne = "at least one"
	AggregationAll        = "all"
)

var alertSchema = Schema{
	Fields: []Field{
		{Name: "name", Type: TypeString, Pattern: regexp.MustCompile(NameRegex)},
		{Name: "source", Type: TypeString, Enum: []string{SourceMetrics, SourceEvents, SourceUser}, Required: true},
		{Name: "frequency", Type: TypePositiveInt},
		{Name: "notification", Type: TypeString, Enum: []string{NotificationNone, NotificationEmail}, Default: NotificationNone},
		{Name: "description", Type: TypeString},
		{Name: "pattern", Type: TypeString},
		{Name: "rule", Type: TypeString, Enum: []string{RuleIsAbove, RuleIsBelow, RuleIsOutsideRange, RuleIsInsideRange}},
		{Name: "metric", Type: TypeString},
		{Name: "window", Type: TypePositiveInt},
		{Name: "threshold", Type: TypeNumber},
		{Name: "range_low", Type: TypeNumber},
		{Name: "range_high", Type: TypeNumber},
		{Name: "aggregation", Type: TypeString, Enum: []string{AggregationAverage, AggregationSum, AggregationAtLeastOne, AggregationAll}, Default: AggregationAverage},
		{Name: "trigger_abort", Type: TypeBool},
	},
	Rules: []ConditionalRule{
		{Field: "frequency", When: "source", Values: []any{SourceMetrics, SourceEvents}},
		{Field: "pattern", When: "source", Values: []any{SourceEvents}},
		{Field: "rule", When: "source", Values: []any{SourceMetrics}},
		{Field: "metric", When: "source", Values: []any{SourceMetrics}},
		{Field: "aggregation", When: "source", Values: []any{SourceMetrics}},
		{Field: "window", When: "source", Values: []any{SourceMetrics}},
		{Field: "threshold", When: "rule", Values: []any{RuleIsAbove, RuleIsBelow}},
		{Field: "range_low", When: "rule", Values: []any{RuleIsOutsideRange, RuleIsInsideRange}},
		{Field: "range_high", When: "rule", Values: []any{RuleIsOutsideRange, RuleIsInsideRange}},
	},
}

// AlertSchema 返回告警定义使用的字段集与规则表
func AlertSchema() Schema {
	return alertSchema
}

// AlertSpec 表示一条完成校验的告警定义 构造后不再修改
type AlertSpec struct {
	Name         string
	Source       string
	Frequency    *int
	Notification string
	Description  *string
	Pattern      *string
	Rule         *string
	Metric       *string
	Window       *int
	Threshold    *float64
	RangeLow     *float64
	RangeHigh    *float64
	Aggregation  *string
	TriggerAbort *bool
}

// NewAlertSpec 在构造时完成全部校验 要么得到完整的告警定义 要么返回全部失败项
func NewAlertSpec(raw map[string]any) (*AlertSpec, error) {
	record, err := alertSchema.Validate(raw)
	if err != nil {
		return nil, err
	}
	spec := &AlertSpec{}
	spec.Name, _ = record["name"].(string)
	spec.Source, _ = record["source"].(string)
	spec.Notification, _ = record["notification"].(string)
	spec.Frequency = intField(record, "frequency")
	spec.Window = intField(record, "window")
	spec.Description = stringField(record, "description")
	spec.Pattern = stringField(record, "pattern")
	spec.Rule = stringField(record, "rule")
	spec.Metric = stringField(record, "metric")
	spec.Aggregation = stringField(record, "aggregation")
	spec.Threshold = floatField(record, "threshold")
	spec.RangeLow = floatField(record, "range_low")
	spec.RangeHigh = floatField(record, "range_high")
	if v, ok := record["trigger_abort"].(bool); ok {
		spec.TriggerAbort = &v
	}
	return spec, nil
}

// Map 将告警定义还原为原始映射 缺省字段不输出
func (a *AlertSpec) Map() map[string]any {
	out := map[string]any{
		"source":       a.Source,
		"notification": a.Notification,
	}
	if a.Name != "" {
		out["name"] = a.Name
	}
	putPtr(out, "frequency", a.Frequency)
	putPtr(out, "window", a.Window)
	putPtr(out, "description", a.Description)
	putPtr(out, "pattern", a.Pattern)
	putPtr(out, "rule", a.Rule)
	putPtr(out, "metric", a.Metric)
	putPtr(out, "aggregation", a.Aggregation)
	putPtr(out, "threshold", a.Threshold)
	putPtr(out, "range_low", a.RangeLow)
	putPtr(out, "range_high", a.RangeHigh)
	putPtr(out, "trigger_abort", a.TriggerAbort)
	return out
}

// WithName 返回换了名称的副本
func (a *AlertSpec) WithName(name string) (*AlertSpec, error) {
	raw := a.Map()
	raw["name"] = name
	return NewAlertSpec(raw)
}

// AlertError 表示某个命名告警的校验失败
type AlertError struct {
	Name string
	Err  error
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("告警 %s 定义无效: %v", e.Name, e.Err)
}

func (e *AlertError) Unwrap() error {
	return e.Err
}

// DefinitionsError 汇总多条告警定义的校验失败
type DefinitionsError struct {
	Alerts []*AlertError
}

func (e *DefinitionsError) Error() string {
	msg := fmt.Sprintf("%d 条告警定义无效", len(e.Alerts))
	for _, a := range e.Alerts {
		msg += "\n  - " + a.Error()
	}
	return msg
}

func (e *DefinitionsError) Unwrap() []error {
	out := make([]error, 0, len(e.Alerts))
	for _, a := range e.Alerts {
		out = append(out, a)
	}
	return out
}

// ValidateAlertDefinitions 校验按名称组织的告警定义 名称由映射键决定
func ValidateAlertDefinitions(defs map[string]map[string]any) (map[string]*AlertSpec, error) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make(map[string]*AlertSpec, len(defs))
	var failed []*AlertError
	for _, name := range names {
		def := defs[name]
		if _, ok := def["name"]; ok {
			failed = append(failed, &AlertError{Name: name, Err: &ValidationError{Violations: []Violation{{
				Field:  "name",
				Kind:   KindInvalidValue,
				Detail: "名称由定义的键决定，不能在定义内重复给出",
			}}}})
			continue
		}
		raw := make(map[string]any, len(def)+1)
		for k, v := range def {
			raw[k] = v
		}
		raw["name"] = name
		spec, err := NewAlertSpec(raw)
		if err != nil {
			failed = append(failed, &AlertError{Name: name, Err: err})
			continue
		}
		specs[name] = spec
	}
	if len(failed) > 0 {
		return nil, &DefinitionsError{Alerts: failed}
	}
	return specs, nil
}

func intField(record map[string]any, key string) *int {
	if v, ok := record[key].(int); ok {
		return &v
	}
	return nil
}

func floatField(record map[string]any, key string) *float64 {
	if v, ok := record[key].(float64); ok {
		return &v
	}
	return nil
}

func stringField(record map[string]any, key string) *string {
	if v, ok := record[key].(string); ok {
		return &v
	}
	return nil
}

func putPtr[T any](out map[string]any, key string, value *T) {
	if value != nil {
		out[key] = *value
	}
}
