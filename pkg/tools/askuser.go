package tools

import (
	"fmt"
	"regexp"
	"strings"
)

// AskUserToolID is the built-in clarification tool.
const AskUserToolID = "ask_user"

// MaxClarifications caps ask_user invocations per conversation.
const MaxClarifications = 10

// AskUserRequest is the validated payload of an ask_user call.
type AskUserRequest struct {
	Question string
	Options  []AskUserOption
	Pattern  string
}

type AskUserOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

const (
	maxQuestionLen = 500
	maxOptions     = 20
	maxOptionLen   = 100
	maxPatternLen  = 200
)

// nestedQuantifier flags a quantified group whose body is itself quantified,
// the classic catastrophic-backtracking shape ((a+)+, (\w*\s?)* and kin).
var nestedQuantifier = regexp.MustCompile(`\([^()]*[+*][^()]*\)\s*[+*{]`)

// ParseAskUser validates the model-supplied arguments of an ask_user call.
func ParseAskUser(args map[string]any) (*AskUserRequest, error) {
	question, _ := args["question"].(string)
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}
	if len(question) > maxQuestionLen {
		return nil, fmt.Errorf("question exceeds %d characters", maxQuestionLen)
	}
	out := &AskUserRequest{Question: question}

	if raw, ok := args["options"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("options must be an array")
		}
		if len(list) > maxOptions {
			return nil, fmt.Errorf("at most %d options are allowed", maxOptions)
		}
		for i, item := range list {
			opt, err := parseOption(item)
			if err != nil {
				return nil, fmt.Errorf("option %d: %w", i, err)
			}
			out.Options = append(out.Options, opt)
		}
	}

	if raw, ok := args["pattern"].(string); ok && raw != "" {
		if len(raw) > maxPatternLen {
			return nil, fmt.Errorf("pattern exceeds %d characters", maxPatternLen)
		}
		if nestedQuantifier.MatchString(raw) {
			return nil, fmt.Errorf("pattern contains a nested quantifier and was rejected")
		}
		if _, err := regexp.Compile(raw); err != nil {
			return nil, fmt.Errorf("pattern does not compile: %v", err)
		}
		out.Pattern = raw
	}

	return out, nil
}

func parseOption(item any) (AskUserOption, error) {
	switch v := item.(type) {
	case string:
		if len(v) > maxOptionLen {
			return AskUserOption{}, fmt.Errorf("exceeds %d characters", maxOptionLen)
		}
		return AskUserOption{Label: v, Value: v}, nil
	case map[string]any:
		label, _ := v["label"].(string)
		value, _ := v["value"].(string)
		if label == "" {
			label = value
		}
		if value == "" {
			value = label
		}
		if label == "" {
			return AskUserOption{}, fmt.Errorf("needs a label or value")
		}
		if len(label) > maxOptionLen || len(value) > maxOptionLen {
			return AskUserOption{}, fmt.Errorf("exceeds %d characters", maxOptionLen)
		}
		return AskUserOption{Label: label, Value: value}, nil
	default:
		return AskUserOption{}, fmt.Errorf("must be a string or an object")
	}
}
