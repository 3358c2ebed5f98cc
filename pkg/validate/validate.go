// Package validate implements the router/validator: model-prefix
// classification, alias rewriting, request validation, and defaulting
// for an incoming AnthropicRequest.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
)

// Route is the destination a validated request is classified into.
type Route int

const (
	RouteLocalGateway Route = iota
	RouteDispatcher
)

// localPrefixes and dispatcherPrefixes implement the §4.1 decision
// table. Matching is case-insensitive and checked in this order, local
// first, since "gemma-*" and "local-*" never overlap the dispatcher set.
var (
	localPrefixes      = []string{"local-", "gemma-"}
	dispatcherPrefixes = []string{"claude-", "gemini-", "gpt-os-", "gpt-4-", "lmstudio-", "deepseek-", "qwen-"}

	toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	allowedImageMediaTypes = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}

	protoPollutionKeys = map[string]bool{
		"__proto__":   true,
		"constructor": true,
		"prototype":   true,
	}
)

const (
	maxNestingDepth      = 50
	maxMessages          = 500
	maxTextBytes         = 2 * 1024 * 1024
	maxImageBase64Bytes  = 10 * 1024 * 1024
	maxToolNameLen       = 256
	minMaxTokens         = 1
	maxMaxTokens         = 200_000
	defaultMaxTokensCap  = 8192
	minTopK              = 1
	maxTopK              = 500
	maxToolsLen          = 100
	minThinkingBudget    = 1000
	maxThinkingBudget    = 100_000
)

// ModelMapper rewrites a request's model from alias to canonical form.
// It is applied before classification and validation; the rewritten
// model must still satisfy the prefix allow-list (see SPEC_FULL.md open
// question decision: aliases do not bypass the allow-list).
type ModelMapper func(model string) (canonical string, rewritten bool)

// Classify matches a model name against the prefix table, case
// insensitively, and returns the route it belongs to.
func Classify(model string) (Route, bool) {
	lower := strings.ToLower(model)
	for _, p := range localPrefixes {
		if strings.HasPrefix(lower, p) {
			return RouteLocalGateway, true
		}
	}
	for _, p := range dispatcherPrefixes {
		if strings.HasPrefix(lower, p) {
			return RouteDispatcher, true
		}
	}
	return 0, false
}

// Validate applies model mapping, then the full validation contract of
// §4.1 against the raw decoded body and the parsed Request, and returns
// the route on success; req itself is defaulted in place.
func Validate(raw json.RawMessage, req *anthropic.Request, mapper ModelMapper) (Route, error) {
	if err := checkRawBody(raw); err != nil {
		return 0, err
	}

	if mapper != nil {
		if canonical, ok := mapper(req.Model); ok {
			req.Model = canonical
		}
	}

	route, ok := Classify(req.Model)
	if !ok {
		return 0, gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("model %q does not match an allowed prefix", req.Model))
	}

	if err := validateMessages(req.Messages); err != nil {
		return 0, err
	}
	if err := validateSampling(req); err != nil {
		return 0, err
	}
	if err := validateTools(req.Tools); err != nil {
		return 0, err
	}
	if req.Thinking != nil {
		if req.Thinking.BudgetTokens < minThinkingBudget || req.Thinking.BudgetTokens > maxThinkingBudget {
			return 0, gatewayerrors.New(gatewayerrors.KindInvalidRequest, "thinking.budget_tokens out of range [1000, 100000]")
		}
	}

	applyDefaults(req)

	return route, nil
}

// applyDefaults caps max_tokens at the default ceiling. The lower bound
// has already been enforced by validateSampling: a request without a
// positive max_tokens is rejected, not defaulted.
func applyDefaults(req *anthropic.Request) {
	if req.MaxTokens > defaultMaxTokensCap {
		req.MaxTokens = defaultMaxTokensCap
	}
	// req.Stream defaults to its zero value, false, already.
}

func validateMessages(messages []anthropic.Message) error {
	if len(messages) == 0 {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "messages must be non-empty")
	}
	if len(messages) > maxMessages {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("messages exceeds limit of %d", maxMessages))
	}

	toolUseIDs := map[string]bool{}
	for _, msg := range messages {
		if !msg.Content.IsBlocks {
			if len(msg.Content.Text) > maxTextBytes {
				return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "text block exceeds 2 MB")
			}
			continue
		}
		for _, block := range msg.Content.Blocks {
			if err := validateBlock(block, toolUseIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateBlock(block anthropic.ContentBlock, toolUseIDs map[string]bool) error {
	switch b := block.(type) {
	case anthropic.TextBlock:
		if len(b.Text) > maxTextBytes {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "text block exceeds 2 MB")
		}
	case anthropic.ImageBlock:
		if !allowedImageMediaTypes[b.Source.MediaType] {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("image media_type %q not allowed", b.Source.MediaType))
		}
		if len(b.Source.Data) > maxImageBase64Bytes {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "image block exceeds 10 MB base64")
		}
	case anthropic.ToolUseBlock:
		if len(b.Name) > maxToolNameLen || !toolNamePattern.MatchString(b.Name) {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("tool_use name %q invalid", b.Name))
		}
		toolUseIDs[b.ID] = true
	case anthropic.ToolResultBlock:
		if b.ToolUseID == "" {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "tool_result missing tool_use_id")
		}
		if !toolUseIDs[b.ToolUseID] {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("tool_result.tool_use_id %q does not reference a preceding tool_use", b.ToolUseID))
		}
	}
	return nil
}

func validateSampling(req *anthropic.Request) error {
	if req.MaxTokens < minMaxTokens || req.MaxTokens > maxMaxTokens {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "max_tokens out of range [1, 200000]")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "temperature out of range [0, 2]")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "top_p out of range [0, 1]")
	}
	if req.TopK != nil && (*req.TopK < minTopK || *req.TopK > maxTopK) {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "top_k out of range [1, 500]")
	}
	return nil
}

func validateTools(tools []anthropic.Tool) error {
	if len(tools) > maxToolsLen {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("tools exceeds limit of %d", maxToolsLen))
	}
	for _, t := range tools {
		if len(t.Name) > maxToolNameLen || !toolNamePattern.MatchString(t.Name) {
			return gatewayerrors.New(gatewayerrors.KindInvalidRequest, fmt.Sprintf("tool name %q invalid", t.Name))
		}
	}
	return nil
}

// checkRawBody scans the decoded-to-generic-interface body for
// prototype-pollution keys and excessive nesting depth, independent of
// the strongly-typed Request shape so it also catches fields the typed
// struct doesn't model.
func checkRawBody(raw json.RawMessage) error {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return gatewayerrors.Wrap(gatewayerrors.KindInvalidRequest, "malformed JSON body", err)
	}
	if err := scanDepth(generic, 0); err != nil {
		return err
	}
	return nil
}

func scanDepth(v interface{}, depth int) error {
	if depth > maxNestingDepth {
		return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "nesting depth exceeds 50")
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if protoPollutionKeys[k] {
				return gatewayerrors.New(gatewayerrors.KindInvalidRequest, "Prototype pollution attempt detected")
			}
			if err := scanDepth(val, depth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, val := range t {
			if err := scanDepth(val, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
