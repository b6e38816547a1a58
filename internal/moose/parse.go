// Package moose 用于把 MOOSE 仿真的输出接入追踪服务
package moose

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Label 日志行分类
type Label string

const (
	LabelTimeStep     Label = "time_step"
	LabelConverged    Label = "converged"
	LabelNonConverged Label = "non_converged"
	LabelFinished     Label = "finished"
)

const (
	convergedText    = " Solve Converged!"
	nonConvergedText = " Solve Did NOT Converge!"
	finishedText     = "Finished Executing"
)

var (
	timeStepPattern = regexp.MustCompile(`Time Step.*`)
	nonKeyChars     = regexp.MustCompile(`[^a-z0-9]+`)
)

// ClassifyLine 识别日志中的关键行 返回分类和作为事件上报的文本
func ClassifyLine(line string) (Label, string, bool) {
	if match := timeStepPattern.FindString(line); match != "" {
		return LabelTimeStep, strings.TrimRight(match, " \r"), true
	}
	switch {
	case strings.Contains(line, nonConvergedText):
		return LabelNonConverged, nonConvergedText, true
	case strings.Contains(line, convergedText):
		return LabelConverged, convergedText, true
	case strings.Contains(line, finishedText):
		return LabelFinished, finishedText, true
	}
	return "", "", false
}

// ParseHeader 解析日志开头的 key: value 信息
// 取值为空的行视为标题跳过 数字取值转换为数值
func ParseHeader(r io.Reader) (map[string]any, error) {
	out := map[string]any{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		name := snakeCase(key)
		if name == "" {
			continue
		}
		out[name] = convertScalar(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取日志头失败: %w", err)
	}
	return out, nil
}

func snakeCase(key string) string {
	lowered := strings.ToLower(strings.TrimSpace(key))
	return strings.Trim(nonKeyChars.ReplaceAllString(lowered, "_"), "_")
}

func convertScalar(value string) any {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// Sample 结果 CSV 中的一行
type Sample struct {
	Time   *float64
	Values map[string]float64
}

// CSVRecorder 逐行解析 Postprocessor 输出的 CSV 第一行为表头
type CSVRecorder struct {
	header []string
}

// Record 解析一行 表头行和空行返回 false
func (c *CSVRecorder) Record(line string) (Sample, bool, error) {
	if strings.TrimSpace(line) == "" {
		return Sample{}, false, nil
	}
	fields, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return Sample{}, false, fmt.Errorf("解析 CSV 行失败: %w", err)
	}
	if c.header == nil {
		c.header = make([]string, len(fields))
		for i, field := range fields {
			c.header[i] = strings.TrimSpace(field)
		}
		return Sample{}, false, nil
	}
	if len(fields) != len(c.header) {
		return Sample{}, false, fmt.Errorf("CSV 列数不一致: 表头 %d 列，实际 %d 列", len(c.header), len(fields))
	}
	sample := Sample{Values: make(map[string]float64, len(fields))}
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return Sample{}, false, fmt.Errorf("列 %s 不是数值: %q", c.header[i], field)
		}
		if c.header[i] == "time" {
			v := value
			sample.Time = &v
			continue
		}
		sample.Values[c.header[i]] = value
	}
	return sample, true, nil
}

// InputSummary 输入文件中与启动相关的信息
type InputSummary struct {
	Metadata      map[string]any
	OutputDir     string
	ResultsPrefix string
	TimeStep      *float64
}

// ParseInput 解析 MOOSE 输入文件 参数展开为 prefix.Section.Sub.key 形式的元数据
// Outputs/file_base 决定结果目录与文件前缀
func ParseInput(r io.Reader, prefix string) (InputSummary, error) {
	summary := InputSummary{Metadata: map[string]any{}}
	var sections []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			name = strings.TrimPrefix(name, "./")
			if name == "" || name == "../" {
				if len(sections) > 0 {
					sections = sections[:len(sections)-1]
				}
				continue
			}
			sections = append(sections, name)
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		parts := append([]string{prefix}, sections...)
		parts = append(parts, key)
		if prefix == "" {
			parts = parts[1:]
		}
		converted := convertScalar(value)
		summary.Metadata[strings.Join(parts, ".")] = converted

		switch strings.Join(append(append([]string{}, sections...), key), "/") {
		case "Outputs/file_base":
			base := strings.Trim(value, `'"`)
			summary.OutputDir = path.Dir(base)
			summary.ResultsPrefix = path.Base(base)
		case "Executioner/dt":
			if f, ok := toFloat(converted); ok {
				summary.TimeStep = &f
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return InputSummary{}, fmt.Errorf("读取输入文件失败: %w", err)
	}
	return summary, nil
}

// stripComment 去掉 # 之后的注释 引号内的 # 保留
func stripComment(line string) string {
	var quote rune
	for i, ch := range line {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '#':
			return line[:i]
		}
	}
	return line
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
