// Package manifest parses dependency manifests: plain-text files listing
// one package specifier per logical line.
//
// Accepted syntax per entry:
//
//	name
//	name==1.2.3
//	name[extra1,extra2]>=1.0,<2
//	name>=1.0; python_version >= "3.10"
//	name @ https://example.com/name-1.0.tar.gz
//
// Blank lines and comments ("#" at line start or after whitespace) are
// ignored, and a trailing backslash joins a line with the next. Installer
// options (any entry starting with "-", such as "-r other.txt" or
// "--index-url") are rejected: a manifest is a flat list of packages.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ErrNotFound is returned (wrapped) by Load when the manifest file does
// not exist.
var ErrNotFound = errors.New("manifest not found")

var (
	// namePattern matches a distribution name followed by optional extras.
	namePattern = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(?:\[([^\]]*)\])?\s*(.*)$`)

	// extraPattern matches a single extra name.
	extraPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)

	// clausePattern matches a single version clause such as ">=1.0".
	clausePattern = regexp.MustCompile(`^(~=|===|==|!=|<=|>=|<|>)\s*([A-Za-z0-9*+!._-]+)$`)

	// separatorRun matches the runs of "-", "_" and "." that collapse to a
	// single "-" in a normalized name.
	separatorRun = regexp.MustCompile(`[-_.]+`)
)

// Requirement is one parsed package specifier.
type Requirement struct {
	// Name is the distribution name as written.
	Name string `json:"name"`

	// Extras lists optional feature sets, normalized and sorted.
	Extras []string `json:"extras,omitempty"`

	// Specifier is the comma-joined version constraint, e.g. ">=1.0,<2".
	Specifier string `json:"specifier,omitempty"`

	// Marker is the environment marker following ";".
	Marker string `json:"marker,omitempty"`

	// URL is set for direct references ("name @ url").
	URL string `json:"url,omitempty"`

	// Line is the 1-based line number where the entry starts.
	Line int `json:"line"`

	// Raw is the logical line with comments stripped.
	Raw string `json:"raw"`
}

// NormalizedName returns the name lowercased with separator runs
// collapsed to "-", so "Foo_Bar" and "foo.bar" compare equal.
func (r Requirement) NormalizedName() string {
	return NormalizeName(r.Name)
}

// String renders the requirement in canonical form. Two requirements that
// differ only in spelling of the name, extras order or whitespace render
// identically.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.NormalizedName())
	if len(r.Extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteString("]")
	}
	if r.URL != "" {
		b.WriteString(" @ ")
		b.WriteString(r.URL)
	} else {
		b.WriteString(r.Specifier)
	}
	if r.Marker != "" {
		b.WriteString("; ")
		b.WriteString(r.Marker)
	}
	return b.String()
}

// Manifest is a parsed dependency manifest.
type Manifest struct {
	// Path is the file the manifest was loaded from; empty for Parse.
	Path string `json:"path,omitempty"`

	// Requirements are the entries in file order.
	Requirements []Requirement `json:"requirements"`
}

// Names returns the normalized package names in file order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.NormalizedName())
	}
	return names
}

// Lookup returns the requirement with the given name (compared in
// normalized form).
func (m *Manifest) Lookup(name string) (Requirement, bool) {
	want := NormalizeName(name)
	for _, r := range m.Requirements {
		if r.NormalizedName() == want {
			return r, true
		}
	}
	return Requirement{}, false
}

// Fingerprint returns a hex SHA-256 over the sorted, de-duplicated
// canonical requirement strings. Reordering entries, repeating one or
// changing comments and whitespace does not change it.
func (m *Manifest) Fingerprint() string {
	seen := make(map[string]struct{}, len(m.Requirements))
	canonical := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		s := r.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		canonical = append(canonical, s)
	}
	sort.Strings(canonical)

	sum := sha256.Sum256([]byte(strings.Join(canonical, "\n")))
	return hex.EncodeToString(sum[:])
}

// ParseError reports an entry that is not a valid package specifier.
type ParseError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

// Error formats the location, the offending text and the reason.
func (e *ParseError) Error() string {
	where := e.Path
	if where == "" {
		where = "manifest"
	}
	return fmt.Sprintf("%s:%d: %s: %q", where, e.Line, e.Reason, e.Text)
}

// Load reads and parses the manifest at path. A missing file yields an
// error wrapping ErrNotFound.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	m, err := parse(f, path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Parse parses manifest content from r.
func Parse(r io.Reader) (*Manifest, error) {
	return parse(r, "")
}

func parse(r io.Reader, path string) (*Manifest, error) {
	m := &Manifest{Path: path}

	scanner := bufio.NewScanner(r)
	var (
		logical   strings.Builder
		startLine int
		lineNo    int
	)

	flush := func() error {
		text := strings.TrimSpace(logical.String())
		logical.Reset()
		if text == "" {
			return nil
		}
		req, err := parseRequirement(text)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.Path = path
				pe.Line = startLine
			}
			return err
		}
		req.Line = startLine
		m.Requirements = append(m.Requirements, req)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if logical.Len() == 0 {
			startLine = lineNo
		}

		trimmed := strings.TrimRight(line, " \t")
		if strings.HasSuffix(trimmed, `\`) {
			logical.WriteString(strings.TrimSuffix(trimmed, `\`))
			logical.WriteString(" ")
			continue
		}
		logical.WriteString(line)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	// A continuation on the last line simply ends the entry.
	if err := flush(); err != nil {
		return nil, err
	}

	return m, nil
}

// stripComment removes a "#" comment that starts the line or follows
// whitespace. A "#" inside a token (such as a URL fragment) is kept.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return line[:i]
		}
	}
	return line
}

// parseRequirement parses a single logical entry.
func parseRequirement(text string) (Requirement, error) {
	req := Requirement{Raw: text}

	if strings.HasPrefix(text, "-") {
		return req, &ParseError{Text: text, Reason: "installer options are not supported in a flat manifest"}
	}

	body := text
	if before, marker, ok := strings.Cut(text, ";"); ok {
		body = strings.TrimSpace(before)
		req.Marker = strings.Join(strings.Fields(marker), " ")
		if req.Marker == "" {
			return req, &ParseError{Text: text, Reason: "empty environment marker"}
		}
	}

	if before, url, ok := strings.Cut(body, "@"); ok {
		body = strings.TrimSpace(before)
		req.URL = strings.TrimSpace(url)
		if req.URL == "" || strings.ContainsAny(req.URL, " \t") {
			return req, &ParseError{Text: text, Reason: "invalid direct reference"}
		}
	}

	match := namePattern.FindStringSubmatch(body)
	if match == nil {
		return req, &ParseError{Text: text, Reason: "invalid package name"}
	}
	req.Name = match[1]

	if match[2] != "" {
		extras, err := parseExtras(match[2])
		if err != nil {
			return req, &ParseError{Text: text, Reason: err.Error()}
		}
		req.Extras = extras
	}

	rest := strings.TrimSpace(match[3])
	if rest != "" && req.URL != "" {
		return req, &ParseError{Text: text, Reason: "version specifier not allowed with a direct reference"}
	}
	spec, err := parseSpecifier(rest)
	if err != nil {
		return req, &ParseError{Text: text, Reason: err.Error()}
	}
	req.Specifier = spec

	return req, nil
}

// parseExtras validates and normalizes a comma-separated extras list.
func parseExtras(raw string) ([]string, error) {
	var extras []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !extraPattern.MatchString(part) {
			return nil, fmt.Errorf("invalid extra %q", part)
		}
		extras = append(extras, NormalizeName(part))
	}
	sort.Strings(extras)
	return extras, nil
}

// parseSpecifier validates a version constraint and returns it with
// whitespace removed. The legacy parenthesized form "(>=1.0)" is accepted.
func parseSpecifier(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		raw = strings.TrimSpace(raw[1 : len(raw)-1])
	}
	if raw == "" {
		return "", nil
	}

	clauses := strings.Split(raw, ",")
	out := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		m := clausePattern.FindStringSubmatch(clause)
		if m == nil {
			return "", fmt.Errorf("invalid version clause %q", clause)
		}
		out = append(out, m[1]+m[2])
	}
	return strings.Join(out, ","), nil
}

// NormalizeName lowercases a distribution name and collapses runs of
// "-", "_" and "." into a single "-".
func NormalizeName(name string) string {
	return separatorRun.ReplaceAllString(strings.ToLower(name), "-")
}
