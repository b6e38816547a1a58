// 本文件用于阈值比较运算符 运算符集合是封闭的
package validators

import (
	"errors"
	"fmt"
)

// Operator 表示观测值与目标值的比较方式
type Operator string

const (
	OpMoreThan  Operator = ">"
	OpLessThan  Operator = "<"
	OpMoreEqual Operator = ">="
	OpLessEqual Operator = "<="
	OpEqual     Operator = "=="
)

// ErrUnknownOperator 表示运算符不在注册表中
var ErrUnknownOperator = errors.New("unknown operator")

// UnknownOperatorError 携带无法识别的运算符
type UnknownOperatorError struct {
	Symbol string
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("未知的比较运算符: %q", e.Symbol)
}

func (e *UnknownOperatorError) Is(target error) bool {
	return target == ErrUnknownOperator
}

// Number 表示可参与比较的数值类型
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Operators 返回全部已注册的运算符
func Operators() []Operator {
	return []Operator{OpMoreThan, OpLessThan, OpMoreEqual, OpLessEqual, OpEqual}
}

// ParseOperator 将符号解析为运算符
func ParseOperator(symbol string) (Operator, error) {
	op := Operator(symbol)
	if !op.Valid() {
		return "", &UnknownOperatorError{Symbol: symbol}
	}
	return op, nil
}

// Valid 判断运算符是否已注册
func (o Operator) Valid() bool {
	switch o {
	case OpMoreThan, OpLessThan, OpMoreEqual, OpLessEqual, OpEqual:
		return true
	}
	return false
}

// Compare 按运算符比较观测值与目标值
// == 为精确比较 浮点误差不做容差处理
func Compare[T Number](op Operator, observed, target T) (bool, error) {
	switch op {
	case OpMoreThan:
		return observed > target, nil
	case OpLessThan:
		return observed < target, nil
	case OpMoreEqual:
		return observed >= target, nil
	case OpLessEqual:
		return observed <= target, nil
	case OpEqual:
		return observed == target, nil
	}
	return false, &UnknownOperatorError{Symbol: string(op)}
}

// Evaluate 解析符号并比较两个浮点数
func Evaluate(symbol string, observed, target float64) (bool, error) {
	op, err := ParseOperator(symbol)
	if err != nil {
		return false, err
	}
	return Compare(op, observed, target)
}
