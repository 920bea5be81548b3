package action

import (
	"fmt"
	"strings"

	xerrors "MetaCortex/internal/errors"
)

// CodeMalformedAction 表示动作语句无法解析。
const CodeMalformedAction xerrors.Code = "ACTION_MALFORMED"

// ErrMalformedAction 是所有解析失败的公共哨兵错误。
var ErrMalformedAction = xerrors.New(CodeMalformedAction, "malformed action")

func init() {
	xerrors.Register(CodeMalformedAction, xerrors.Attributes{
		Message:  "malformed action",
		Severity: xerrors.SeverityInfo,
	})
}

const (
	actionMarker = "action:"
	finalMarker  = "final answer:"
	thoughtLabel = "thought:"
)

// Kind 区分一次模型输出的解析结果。
type Kind int

const (
	// KindReasoning 表示既没有动作也没有最终答案。
	KindReasoning Kind = iota
	// KindAction 表示找到了动作语句（可能解析失败，见 Step.Err）。
	KindAction
	// KindFinal 表示找到了最终答案。
	KindFinal
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindFinal:
		return "final"
	default:
		return "reasoning"
	}
}

// Invocation 是从动作语句中提取出的结构化调用。
type Invocation struct {
	Server string
	Tool   string
	Args   map[string]string
}

// QualifiedName 返回 server.tool。
func (i Invocation) QualifiedName() string {
	return i.Server + "." + i.Tool
}

// Step 是一次模型输出的解析结果。
type Step struct {
	Kind       Kind
	Thought    string
	ActionText string
	Invocation Invocation
	Err        error
	Answer     string
}

// MalformedActionError 携带无法解析的原始文本。
type MalformedActionError struct {
	Raw    string
	Tool   string
	Reason string
}

func (e *MalformedActionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("Could not split tool name '%s' into server and action.", e.Tool)
}

// Unwrap 让 errors.Is(err, ErrMalformedAction) 成立。
func (e *MalformedActionError) Unwrap() error {
	return ErrMalformedAction
}

// Parse 逐行扫描模型输出，第一个带有标记的行决定结果类型。
func Parse(text string) Step {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for idx, line := range lines {
		marker, rest, ok := detectMarker(line)
		if !ok {
			continue
		}
		step := Step{Thought: extractThought(lines[:idx])}
		switch marker {
		case finalMarker:
			step.Kind = KindFinal
			tail := append([]string{rest}, lines[idx+1:]...)
			step.Answer = strings.TrimSpace(strings.Join(tail, "\n"))
		case actionMarker:
			step.Kind = KindAction
			step.ActionText = strings.TrimSpace(line)
			step.Invocation, step.Err = ParseAction(rest)
		}
		return step
	}
	return Step{Kind: KindReasoning, Thought: extractThought(lines)}
}

// ParseAction 解析 [server|tool|k1:v1,k2:v2] 形式的动作载荷。
func ParseAction(text string) (Invocation, error) {
	payload := bracketPayload(text)
	fields := strings.SplitN(payload, "|", 3)
	if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" || strings.TrimSpace(fields[1]) == "" {
		return Invocation{}, &MalformedActionError{Raw: text, Tool: payload}
	}
	inv := Invocation{
		Server: strings.TrimSpace(fields[0]),
		Tool:   strings.TrimSpace(fields[1]),
		Args:   map[string]string{},
	}
	if len(fields) == 3 {
		args, err := ParseArgs(fields[2])
		if err != nil {
			return Invocation{}, &MalformedActionError{Raw: text, Tool: inv.QualifiedName(), Reason: err.Error()}
		}
		inv.Args = args
	}
	return inv, nil
}

// ParseArgs 解析逗号分隔的 key:value 列表。值按首个冒号切分，视为不透明文本；
// 不含冒号的片段拼接回上一个值，因此值中可以包含逗号。
func ParseArgs(text string) (map[string]string, error) {
	args := map[string]string{}
	if strings.TrimSpace(text) == "" {
		return args, nil
	}
	var lastKey string
	for _, segment := range strings.Split(text, ",") {
		sep := strings.Index(segment, ":")
		if sep < 0 {
			if lastKey == "" {
				if strings.TrimSpace(segment) == "" {
					continue
				}
				return nil, fmt.Errorf("Could not parse argument '%s' as key:value.", strings.TrimSpace(segment))
			}
			args[lastKey] = args[lastKey] + "," + segment
			continue
		}
		key := strings.TrimSpace(segment[:sep])
		if key == "" {
			return nil, fmt.Errorf("Argument '%s' is missing a key.", strings.TrimSpace(segment))
		}
		args[key] = segment[sep+1:]
		lastKey = key
	}
	for key, value := range args {
		args[key] = strings.TrimSpace(value)
	}
	return args, nil
}

func bracketPayload(text string) string {
	text = strings.TrimSpace(text)
	open := strings.Index(text, "[")
	if open < 0 {
		return text
	}
	end := strings.LastIndex(text, "]")
	if end <= open {
		return strings.TrimSpace(text[open+1:])
	}
	return strings.TrimSpace(text[open+1 : end])
}

// detectMarker 识别行首的标记，允许 markdown 强调符号与大小写差异。
func detectMarker(line string) (string, string, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(line), "*_#> ")
	for _, marker := range []string{finalMarker, actionMarker} {
		if len(trimmed) >= len(marker) && strings.EqualFold(trimmed[:len(marker)], marker) {
			rest := strings.TrimLeft(trimmed[len(marker):], "*_ ")
			return marker, rest, true
		}
	}
	return "", "", false
}

func extractThought(lines []string) string {
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.EqualFold(trimmed, "PAUSE") {
			continue
		}
		bare := strings.TrimLeft(trimmed, "*_ ")
		if len(bare) >= len(thoughtLabel) && strings.EqualFold(bare[:len(thoughtLabel)], thoughtLabel) {
			trimmed = strings.TrimLeft(bare[len(thoughtLabel):], "*_ ")
		}
		kept = append(kept, trimmed)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
