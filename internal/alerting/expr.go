package alerting

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// Facts is everything an expression can observe about one device at
// evaluation time.
type Facts struct {
	Device models.Device
	Now    time.Time

	// Recent-window ping aggregates; HaveAggregates is false when the device
	// produced no samples in the window.
	AvgPingMS      float64
	PacketLoss     float64
	HaveAggregates bool

	// Max rate over the device's critical/ISP interfaces.
	InErrorRate    float64
	OutDiscardRate float64

	// Device owns at least one ISP-classified interface, or carries the
	// uplink role itself.
	IsISP bool

	// StatusChangesIn returns the transition count inside the window.
	StatusChangesIn func(window time.Duration) int
}

// Expr is a parsed alert-rule expression. Parsing happens once per rule per
// tick; evaluation is a pure function of Facts.
type Expr struct {
	root node
	text string
}

// Parse compiles a rule expression. The grammar is closed: only the known
// left-hand sides are accepted, right-hand sides are constants.
func Parse(text string) (*Expr, error) {
	p := &parser{tokens: tokenize(text)}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", text, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("parse %q: unexpected %q", text, p.peek())
	}
	return &Expr{root: root, text: text}, nil
}

// Eval reports whether the expression matches the given facts.
func (e *Expr) Eval(f *Facts) bool { return e.root.eval(f) }

func (e *Expr) String() string { return e.text }

// StatusWindows lists the distinct status_changes_in windows the expression
// references, so callers can precompute the counts.
func (e *Expr) StatusWindows() []time.Duration {
	seen := map[time.Duration]bool{}
	var out []time.Duration
	collectWindows(e.root, func(w time.Duration) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	})
	return out
}

func collectWindows(n node, fn func(time.Duration)) {
	switch v := n.(type) {
	case *binaryNode:
		collectWindows(v.left, fn)
		collectWindows(v.right, fn)
	case *statusChangesNode:
		fn(v.window)
	}
}

type node interface {
	eval(f *Facts) bool
}

type binaryNode struct {
	op    string // "and" | "or"
	left  node
	right node
}

func (n *binaryNode) eval(f *Facts) bool {
	if n.op == "and" {
		return n.left.eval(f) && n.right.eval(f)
	}
	return n.left.eval(f) || n.right.eval(f)
}

// compareNode covers every numeric left-hand side except status_changes_in.
type compareNode struct {
	field string
	op    string
	value float64
}

func (n *compareNode) eval(f *Facts) bool {
	var actual float64
	switch n.field {
	case "ping_unreachable_seconds":
		if f.Device.DownSince == nil {
			return false
		}
		actual = f.Now.Sub(*f.Device.DownSince).Seconds()
	case "avg_ping_ms":
		if !f.HaveAggregates {
			return false
		}
		actual = f.AvgPingMS
	case "packet_loss":
		if !f.HaveAggregates {
			return false
		}
		actual = f.PacketLoss
	case "interface_in_error_rate":
		actual = f.InErrorRate
	case "interface_out_discard_rate":
		actual = f.OutDiscardRate
	}
	return compare(actual, n.op, n.value)
}

type statusChangesNode struct {
	window time.Duration
	op     string
	value  float64
}

func (n *statusChangesNode) eval(f *Facts) bool {
	if f.StatusChangesIn == nil {
		return false
	}
	return compare(float64(f.StatusChangesIn(n.window)), n.op, n.value)
}

type likeNode struct {
	re *regexp.Regexp
}

func (n *likeNode) eval(f *Facts) bool { return n.re.MatchString(f.Device.IP) }

type isISPNode struct{}

func (isISPNode) eval(f *Facts) bool { return f.IsISP }

type equalsNode struct {
	field string // "vendor" | "device_type"
	value string
}

func (n *equalsNode) eval(f *Facts) bool {
	switch n.field {
	case "vendor":
		return strings.EqualFold(f.Device.Vendor, n.value)
	case "device_type":
		return strings.EqualFold(string(f.Device.DeviceType), n.value)
	}
	return false
}

func compare(actual float64, op string, value float64) bool {
	switch op {
	case ">=":
		return actual >= value
	case ">":
		return actual > value
	case "<=":
		return actual <= value
	case "<":
		return actual < value
	case "=":
		return actual == value
	}
	return false
}

// likePattern translates a SQL LIKE pattern into an anchored regexp:
// % matches any run, _ matches one character.
func likePattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, "%", ".*")
	quoted = strings.ReplaceAll(quoted, "_", ".")
	return regexp.Compile("^" + quoted + "$")
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (node, error) {
	field := strings.ToLower(p.next())
	switch field {
	case "ping_unreachable_seconds", "avg_ping_ms", "packet_loss",
		"interface_in_error_rate", "interface_out_discard_rate":
		op, value, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		return &compareNode{field: field, op: op, value: value}, nil

	case "status_changes_in":
		if err := p.expect("("); err != nil {
			return nil, err
		}
		window, err := parseWindow(p.next())
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		op, value, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		return &statusChangesNode{window: window, op: op, value: value}, nil

	case "ip":
		if !strings.EqualFold(p.next(), "like") {
			return nil, fmt.Errorf("ip supports only LIKE")
		}
		re, err := likePattern(unquote(p.next()))
		if err != nil {
			return nil, err
		}
		return &likeNode{re: re}, nil

	case "is_isp":
		return isISPNode{}, nil

	case "vendor", "device_type":
		if err := p.expect("="); err != nil {
			return nil, err
		}
		return &equalsNode{field: field, value: unquote(p.next())}, nil

	case "":
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unknown field %q", field)
	}
}

func (p *parser) parseComparison() (string, float64, error) {
	op := p.next()
	switch op {
	case ">=", ">", "<=", "<", "=":
	default:
		return "", 0, fmt.Errorf("unknown operator %q", op)
	}
	value, err := strconv.ParseFloat(p.next(), 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad numeric constant: %w", err)
	}
	return op, value, nil
}

// parseWindow accepts a duration literal ("5m", "300s") or bare seconds.
func parseWindow(tok string) (time.Duration, error) {
	if secs, err := strconv.Atoi(tok); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(tok)
	if err != nil {
		return 0, fmt.Errorf("bad window %q: %w", tok, err)
	}
	return d, nil
}

func unquote(tok string) string {
	if len(tok) >= 2 {
		if (tok[0] == '\'' && tok[len(tok)-1] == '\'') || (tok[0] == '"' && tok[len(tok)-1] == '"') {
			return tok[1 : len(tok)-1]
		}
	}
	return tok
}

// tokenize splits an expression into identifiers, numbers, quoted strings,
// comparison operators and parentheses.
func tokenize(text string) []string {
	var tokens []string
	i := 0
	for i < len(text) {
		ch := rune(text[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(' || ch == ')':
			tokens = append(tokens, string(ch))
			i++
		case ch == '\'' || ch == '"':
			j := i + 1
			for j < len(text) && text[j] != text[i] {
				j++
			}
			if j < len(text) {
				j++
			}
			tokens = append(tokens, text[i:j])
			i = j
		case ch == '>' || ch == '<':
			if i+1 < len(text) && text[i+1] == '=' {
				tokens = append(tokens, text[i:i+2])
				i += 2
			} else {
				tokens = append(tokens, string(ch))
				i++
			}
		case ch == '=':
			tokens = append(tokens, "=")
			i++
		default:
			j := i
			for j < len(text) && isWordChar(rune(text[j])) {
				j++
			}
			if j == i {
				// Unknown character; emit as its own token and let the
				// parser reject it.
				j++
			}
			tokens = append(tokens, text[i:j])
			i = j
		}
	}
	return tokens
}

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' || ch == '%' || ch == '-'
}
