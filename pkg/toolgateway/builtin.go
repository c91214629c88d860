package toolgateway

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BuiltinOptions configures the built-in tools.
type BuiltinOptions struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// RegisterBuiltins registers current_time, echo, calculator and http_get.
func RegisterBuiltins(g *Gateway, opts BuiltinOptions) error {
	if g == nil {
		return errors.New("tool gateway is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tools := []Definition{
		currentTimeTool(opts),
		echoTool(),
		calculatorTool(),
		httpGetTool(opts),
	}
	for _, tool := range tools {
		if err := g.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func currentTimeTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "current_time",
		Description: "Return the current date and time, optionally in an IANA time zone.",
		Parameters: []Parameter{
			{Name: "timezone", Type: "string", Description: "IANA time zone such as Europe/Paris (default UTC)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			loc := time.UTC
			if tz, _ := params["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return opts.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := params["text"].(string)
			return text, nil
		},
	}
}

func calculatorTool() Definition {
	return Definition{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression using + - * / % and parentheses.",
		Parameters: []Parameter{
			{Name: "expression", Type: "string", Description: "Expression such as (2 + 3) * 4", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			expr, _ := params["expression"].(string)
			return Calculate(expr)
		},
	}
}

func httpGetTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "http_get",
		Description: "Fetch a URL over HTTP(S) and return the response body.",
		Parameters: []Parameter{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum body bytes to read (default 65536)", Default: 65536},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			raw, _ := params["url"].(string)
			u, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("invalid url %q", raw)
			}

			maxBytes := intParam(params["max_bytes"], 65536)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			resp, err := opts.HTTPClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		},
	}
}

// Calculate evaluates an arithmetic expression exactly and formats the result.
func Calculate(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", errors.New("expression is required")
	}
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return "", fmt.Errorf("invalid expression: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return "", err
	}

	if v.Kind() == constant.Int {
		return v.ExactString(), nil
	}
	f, _ := constant.Float64Val(v)
	return fmt.Sprintf("%g", f), nil
}

func eval(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return constant.MakeFromLiteral(n.Value, n.Kind, 0), nil
	case *ast.ParenExpr:
		return eval(n.X)
	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		if n.Op != token.ADD && n.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		return constant.UnaryOp(n.Op, x, 0), nil
	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(x, n.Op, y), nil
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, errors.New("division by zero")
			}
			// QUO on two ints truncates; promote to keep 7/2 = 3.5
			return constant.BinaryOp(constant.ToFloat(x), token.QUO, constant.ToFloat(y)), nil
		case token.REM:
			if x.Kind() != constant.Int || y.Kind() != constant.Int {
				return nil, errors.New("% requires integer operands")
			}
			if constant.Sign(y) == 0 {
				return nil, errors.New("division by zero")
			}
			return constant.BinaryOp(x, token.REM, y), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	}
	return nil, fmt.Errorf("unsupported expression %T", node)
}

func intParam(v interface{}, fallback int64) int64 {
	var n int64
	switch x := v.(type) {
	case float64:
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	}
	if n <= 0 {
		return fallback
	}
	return n
}
