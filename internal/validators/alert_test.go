// 本文件用于告警定义校验的单元测试
package validators

import (
	"errors"
	"reflect"
	"testing"
)

func metricAlert() map[string]any {
	return map[string]any{
		"source":    "metrics",
		"rule":      "is below",
		"metric":    "accuracy",
		"frequency": 1,
		"window":    1,
		"threshold": 0.8,
	}
}

func withField(base map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if value == nil {
		delete(out, key)
	} else {
		out[key] = value
	}
	return out
}

func mustViolations(t *testing.T, raw map[string]any) []Violation {
	t.Helper()
	_, err := NewAlertSpec(raw)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("期望 *ValidationError，实际: %v", err)
	}
	return verr.Violations
}

func TestNewAlertSpec_ValidMetricAlert(t *testing.T) {
	raw := withField(metricAlert(), "trigger_abort", false)
	raw["notification"] = "email"
	spec, err := NewAlertSpec(raw)
	if err != nil {
		t.Fatalf("期望校验通过，实际: %v", err)
	}
	if spec.Source != SourceMetrics || *spec.Rule != RuleIsBelow || *spec.Metric != "accuracy" {
		t.Fatalf("字段解析错误: %#v", spec)
	}
	if *spec.Threshold != 0.8 || *spec.Frequency != 1 || *spec.Window != 1 {
		t.Fatalf("数值字段解析错误: %#v", spec)
	}
	if spec.Aggregation == nil || *spec.Aggregation != AggregationAverage {
		t.Fatalf("期望 aggregation 默认为 average，实际: %v", spec.Aggregation)
	}
	if spec.Notification != NotificationEmail || spec.TriggerAbort == nil || *spec.TriggerAbort {
		t.Fatalf("可选字段解析错误: %#v", spec)
	}
}

func TestNewAlertSpec_MissingMetric(t *testing.T) {
	violations := mustViolations(t, withField(metricAlert(), "metric", nil))
	want := []Violation{{Field: "metric", Kind: KindMissingRequired, Discriminator: "source", Value: "metrics"}}
	if !reflect.DeepEqual(violations, want) {
		t.Fatalf("期望 %#v，实际 %#v", want, violations)
	}
}

func TestNewAlertSpec_PatternNotPermittedForMetrics(t *testing.T) {
	violations := mustViolations(t, withField(metricAlert(), "pattern", "x"))
	want := []Violation{{Field: "pattern", Kind: KindNotPermitted, Discriminator: "source", Value: "metrics"}}
	if !reflect.DeepEqual(violations, want) {
		t.Fatalf("期望 %#v，实际 %#v", want, violations)
	}
}

func TestNewAlertSpec_InvalidSource(t *testing.T) {
	violations := mustViolations(t, withField(metricAlert(), "source", "alerts"))
	if violations[0].Field != "source" || violations[0].Kind != KindInvalidValue {
		t.Fatalf("第一个失败项应为 source 取值无效，实际: %#v", violations[0])
	}
	for _, v := range violations[1:] {
		if v.Kind != KindNotPermitted {
			t.Errorf("其余失败项应为 not_permitted，实际: %#v", v)
		}
	}
}

func TestNewAlertSpec_FrequencyWrongType(t *testing.T) {
	violations := mustViolations(t, withField(metricAlert(), "frequency", "one"))
	if len(violations) != 1 || violations[0].Field != "frequency" || violations[0].Kind != KindInvalidValue {
		t.Fatalf("期望仅 frequency 取值无效，实际: %#v", violations)
	}
}

func TestNewAlertSpec_UnknownFieldAddsExactlyOne(t *testing.T) {
	valid := []map[string]any{
		metricAlert(),
		{"source": "events", "frequency": 1, "pattern": "Did NOT Converge"},
		{"source": "user"},
		{"source": "metrics", "rule": "is inside range", "metric": "loss", "frequency": 2, "window": 3, "range_low": 0, "range_high": 1},
	}
	for _, raw := range valid {
		if _, err := NewAlertSpec(raw); err != nil {
			t.Fatalf("基础记录应校验通过: %v", err)
		}
		violations := mustViolations(t, withField(raw, "new", "hi"))
		want := []Violation{{Field: "new", Kind: KindUnrecognizedField}}
		if !reflect.DeepEqual(violations, want) {
			t.Errorf("记录 %#v 期望仅一个未识别字段，实际 %#v", raw, violations)
		}
	}

	violations := mustViolations(t, withField(withField(metricAlert(), "frequency", "one"), "new", "hi"))
	if len(violations) != 2 || violations[1].Kind != KindUnrecognizedField {
		t.Fatalf("未识别字段应排在最后，实际: %#v", violations)
	}
}

func TestNewAlertSpec_SourceRules(t *testing.T) {
	cases := []struct {
		name    string
		raw     map[string]any
		invalid []string
	}{
		{"metrics 缺少 window", withField(metricAlert(), "window", nil), []string{"window"}},
		{"metrics 缺少 rule", withField(metricAlert(), "rule", nil), []string{"rule", "threshold"}},
		{"metrics 缺少 frequency", withField(metricAlert(), "frequency", nil), []string{"frequency"}},
		{"events 完整", map[string]any{"source": "events", "frequency": 1, "pattern": "x"}, nil},
		{"events 缺少 pattern", map[string]any{"source": "events", "frequency": 1}, []string{"pattern"}},
		{"events 带 metric", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "metric": "m"}, []string{"metric"}},
		{"events 带 aggregation", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "aggregation": "sum"}, []string{"aggregation"}},
		{"events 带 threshold", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "threshold": 1}, []string{"threshold"}},
		{"events 带 rule", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "rule": "is above", "threshold": 1}, []string{"rule"}},
		{"events 带 window", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "window": 2}, []string{"window"}},
		{"events 带 range_low", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "range_low": 0}, []string{"range_low"}},
		{"events 带 range_high", map[string]any{"source": "events", "frequency": 1, "pattern": "x", "range_high": 5}, []string{"range_high"}},
		{"user 带 frequency", map[string]any{"source": "user", "frequency": 1}, []string{"frequency"}},
		{"缺少 source", map[string]any{"name": "a"}, []string{"source"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAlertSpec(tc.raw)
			if len(tc.invalid) == 0 {
				if err != nil {
					t.Fatalf("期望校验通过，实际: %v", err)
				}
				return
			}
			violations := mustViolations(t, tc.raw)
			var fields []string
			for _, v := range violations {
				fields = append(fields, v.Field)
			}
			if !reflect.DeepEqual(fields, tc.invalid) {
				t.Fatalf("期望失败字段 %v，实际 %v", tc.invalid, fields)
			}
		})
	}
}

func TestNewAlertSpec_ThresholdAndRangeRules(t *testing.T) {
	for _, rule := range []string{RuleIsAbove, RuleIsBelow} {
		raw := withField(metricAlert(), "rule", rule)
		if _, err := NewAlertSpec(raw); err != nil {
			t.Fatalf("%s 带 threshold 应通过: %v", rule, err)
		}
		violations := mustViolations(t, withField(raw, "range_low", 0.1))
		if len(violations) != 1 || violations[0].Field != "range_low" || violations[0].Kind != KindNotPermitted {
			t.Fatalf("%s 不允许 range_low，实际: %#v", rule, violations)
		}
	}
	for _, rule := range []string{RuleIsOutsideRange, RuleIsInsideRange} {
		raw := withField(withField(metricAlert(), "rule", rule), "threshold", nil)
		raw["range_low"] = 0.2
		raw["range_high"] = 0.9
		if _, err := NewAlertSpec(raw); err != nil {
			t.Fatalf("%s 带 range 应通过: %v", rule, err)
		}
		violations := mustViolations(t, withField(raw, "threshold", 0.5))
		if len(violations) != 1 || violations[0].Field != "threshold" || violations[0].Kind != KindNotPermitted {
			t.Fatalf("%s 不允许 threshold，实际: %#v", rule, violations)
		}
		violations = mustViolations(t, withField(raw, "range_high", nil))
		if len(violations) != 1 || violations[0].Field != "range_high" || violations[0].Kind != KindMissingRequired {
			t.Fatalf("%s 缺少 range_high，实际: %#v", rule, violations)
		}
	}
}

func TestNewAlertSpec_NamePattern(t *testing.T) {
	if _, err := NewAlertSpec(withField(metricAlert(), "name", "accuracy below 80/epoch:1.x_y-z")); err != nil {
		t.Fatalf("合法名称应通过: %v", err)
	}
	violations := mustViolations(t, withField(metricAlert(), "name", "bad*name"))
	if len(violations) != 1 || violations[0].Field != "name" || violations[0].Kind != KindInvalidValue {
		t.Fatalf("非法名称应报 invalid_value，实际: %#v", violations)
	}
}

func TestAlertSpec_MapIsIdempotent(t *testing.T) {
	inputs := []map[string]any{
		withField(metricAlert(), "name", "acc"),
		{"name": "conv", "source": "events", "frequency": 1, "pattern": "x", "notification": "email", "description": "d"},
		{"source": "user", "trigger_abort": true},
	}
	for _, raw := range inputs {
		first, err := NewAlertSpec(raw)
		if err != nil {
			t.Fatalf("首次校验失败: %v", err)
		}
		second, err := NewAlertSpec(first.Map())
		if err != nil {
			t.Fatalf("二次校验失败: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("二次校验结果不一致:\n%#v\n%#v", first, second)
		}
		if !reflect.DeepEqual(first.Map(), second.Map()) {
			t.Fatalf("Map 结果不一致")
		}
	}
	events, _ := NewAlertSpec(inputs[1])
	if _, ok := events.Map()["aggregation"]; ok {
		t.Fatal("events 告警不应带 aggregation 默认值")
	}
}

func TestValidateAlertDefinitions(t *testing.T) {
	defs := map[string]map[string]any{
		"accuracy_below_80_percent": metricAlert(),
		"loss_above_half":           withField(withField(metricAlert(), "rule", "is above"), "metric", "loss"),
	}
	specs, err := ValidateAlertDefinitions(defs)
	if err != nil {
		t.Fatalf("期望校验通过，实际: %v", err)
	}
	if specs["loss_above_half"].Name != "loss_above_half" {
		t.Fatalf("名称应来自定义键，实际: %s", specs["loss_above_half"].Name)
	}

	defs["broken"] = withField(metricAlert(), "metric", nil)
	defs["also_broken"] = withField(metricAlert(), "name", "dup")
	_, err = ValidateAlertDefinitions(defs)
	var derr *DefinitionsError
	if !errors.As(err, &derr) {
		t.Fatalf("期望 *DefinitionsError，实际: %v", err)
	}
	if len(derr.Alerts) != 2 || derr.Alerts[0].Name != "also_broken" || derr.Alerts[1].Name != "broken" {
		t.Fatalf("失败告警应按名称排序，实际: %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
		t.Fatal("DefinitionsError 应能展开到 ValidationError")
	}
}
