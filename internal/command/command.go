// Package command 用于把参数映射转换为命令行参数
package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatArgs 单字母键生成 -k 其余生成 --key 且下划线替换为短横线
// true 生成不带值的开关 其余非零值追加带引号的取值 零值只保留开关
// 输出按键排序 保证同一配置得到同一条命令
func FormatArgs(kwargs map[string]any) []string {
	keys := make([]string, 0, len(kwargs))
	for key := range kwargs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		flag := "-" + key
		if len(key) > 1 {
			flag = "--" + strings.ReplaceAll(key, "_", "-")
		}
		value := kwargs[key]
		if b, ok := value.(bool); ok && b {
			out = append(out, flag)
			continue
		}
		if !truthy(value) {
			out = append(out, flag)
			continue
		}
		out = append(out, flag+" "+strconv.Quote(stringify(value)))
	}
	return out
}

// Split 把 FormatArgs 的结果拆成 exec 可直接使用的参数
// 取值中的引号会被去掉
func Split(args []string) []string {
	out := make([]string, 0, len(args)*2)
	for _, arg := range args {
		flag, quoted, found := strings.Cut(arg, " ")
		out = append(out, flag)
		if !found {
			continue
		}
		if unquoted, err := strconv.Unquote(quoted); err == nil {
			out = append(out, unquoted)
		} else {
			out = append(out, quoted)
		}
	}
	return out
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case float32:
		return v != 0
	}
	return true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprint(value)
}
