package pgwire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone database for SET TimeZone

	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// parameter describes one run-time configuration parameter the session
// knows about.
type parameter struct {
	name        string
	value       string
	description string
	// report marks parameters sent as ParameterStatus at startup and on
	// change.
	report   bool
	readOnly bool
	validate func(string) (string, error)
}

var parameters = []parameter{
	{name: "server_version", description: "Shows the server version.", report: true, readOnly: true},
	{name: "server_encoding", value: "UTF8", description: "Shows the server (database) character set encoding.", report: true, readOnly: true},
	{name: "client_encoding", value: "UTF8", description: "Sets the client's character set encoding.", report: true, validate: validateEncoding},
	{name: "DateStyle", value: "ISO, MDY", description: "Sets the display format for date and time values.", report: true, validate: validateDateStyle},
	{name: "TimeZone", value: "UTC", description: "Sets the time zone for displaying and interpreting time stamps.", report: true, validate: validateTimeZone},
	{name: "IntervalStyle", value: "postgres", description: "Sets the display format for interval values.", report: true},
	{name: "integer_datetimes", value: "on", description: "Shows whether datetimes are integer based.", report: true, readOnly: true},
	{name: "standard_conforming_strings", value: "on", description: "Causes '...' strings to treat backslashes literally.", report: true, readOnly: true},
	{name: "application_name", description: "Sets the application name to be reported in statistics and logs.", report: true},
	{name: "default_transaction_read_only", value: "on", description: "Sets the default read-only status of new transactions.", report: true, readOnly: true},
	{name: "transaction_read_only", value: "on", description: "Sets the current transaction's read-only status.", readOnly: true},
	{name: "is_superuser", value: "off", description: "Shows whether the current user is a superuser.", report: true, readOnly: true},
	{name: "session_authorization", description: "Sets the session user name.", report: true, readOnly: true},
	{name: "search_path", value: `"$user", public`, description: "Sets the schema search order for names that are not schema-qualified."},
	{name: "statement_timeout", value: "0", description: "Sets the maximum allowed duration of any statement.", validate: validateTimeout},
	{name: "extra_float_digits", value: "1", description: "Sets the number of digits displayed for floating-point values.", validate: validateInt},
	{name: "transaction_isolation", value: "read committed", description: "Sets the current transaction's isolation level.", readOnly: true},
	{name: "default_transaction_isolation", value: "read committed", description: "Sets the transaction isolation level of each new transaction.", readOnly: true},
	{name: "max_identifier_length", value: "63", description: "Shows the maximum identifier length.", readOnly: true},
	{name: "lc_messages", value: "C", description: "Sets the language in which messages are displayed."},
}

var parametersByKey = func() map[string]*parameter {
	m := make(map[string]*parameter, len(parameters))
	for i := range parameters {
		m[strings.ToLower(parameters[i].name)] = &parameters[i]
	}
	return m
}()

func lookupParameter(name string) (*parameter, bool) {
	p, ok := parametersByKey[strings.ToLower(name)]
	return p, ok
}

// settings holds a session's parameter values keyed by lower-case name.
type settings struct {
	values   map[string]string
	defaults map[string]string
}

func newSettings(overrides map[string]string) *settings {
	s := &settings{values: map[string]string{}, defaults: map[string]string{}}
	for _, p := range parameters {
		s.defaults[strings.ToLower(p.name)] = p.value
	}
	for k, v := range overrides {
		s.defaults[strings.ToLower(k)] = v
	}
	s.resetAll()
	return s
}

func (s *settings) get(name string) (string, bool) {
	v, ok := s.values[strings.ToLower(name)]
	return v, ok
}

func (s *settings) clone() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *settings) resetAll() {
	s.values = make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		s.values[k] = v
	}
}

// set assigns a parameter and reports whether clients must be told about
// the new value. Names containing a dot are custom placeholders that are
// stored without validation, as PostgreSQL does.
func (s *settings) set(name, value string) (bool, error) {
	key := strings.ToLower(name)
	p, ok := parametersByKey[key]
	if !ok {
		if !strings.Contains(key, ".") {
			return false, domain.ErrUnknownParameter(key)
		}
		s.values[key] = value
		return false, nil
	}
	if p.validate != nil {
		v, err := p.validate(value)
		if err != nil {
			return false, newError(codeInvalidParameter, fmt.Sprintf("invalid value for parameter %q: %q", p.name, value))
		}
		value = v
	}
	if p.readOnly && value != s.values[key] {
		return false, newError(codeCantChangeParameter, fmt.Sprintf("parameter %q cannot be changed", p.name))
	}
	changed := s.values[key] != value
	s.values[key] = value
	return p.report && changed, nil
}

func (s *settings) reset(name string) (bool, error) {
	key := strings.ToLower(name)
	def, ok := s.defaults[key]
	if !ok {
		if _, custom := s.values[key]; custom {
			delete(s.values, key)
			return false, nil
		}
		if strings.Contains(key, ".") {
			return false, nil
		}
		return false, domain.ErrUnknownParameter(key)
	}
	return s.set(key, def)
}

// show returns the value of one parameter, or every parameter as
// name/setting/description rows for SHOW ALL.
func (s *settings) show(name string) ([][]any, error) {
	if name == "all" {
		keys := make([]string, 0, len(s.values))
		for k := range s.values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]any, 0, len(keys))
		for _, k := range keys {
			display, desc := k, ""
			if p, ok := parametersByKey[k]; ok {
				display, desc = p.name, p.description
			}
			rows = append(rows, []any{display, s.values[k], desc})
		}
		return rows, nil
	}
	v, ok := s.get(name)
	if !ok {
		return nil, domain.ErrUnknownParameter(strings.ToLower(name))
	}
	return [][]any{{v}}, nil
}

// statementTimeout parses the statement_timeout setting. A bare number is
// milliseconds.
func (s *settings) statementTimeout() time.Duration {
	v, _ := s.get("statement_timeout")
	d, err := parseTimeout(v)
	if err != nil {
		return 0
	}
	return d
}

// searchPath splits search_path into schema names, removing identifier
// quotes.
func (s *settings) searchPath() []string {
	v, _ := s.get("search_path")
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if len(part) >= 2 && part[0] == '"' && part[len(part)-1] == '"' {
			part = strings.ReplaceAll(part[1:len(part)-1], `""`, `"`)
		} else {
			part = strings.ToLower(part)
		}
		out = append(out, part)
	}
	return out
}

// setValue renders the value list of a SET statement.
func setValue(name string, values []string) string {
	if strings.EqualFold(name, "search_path") {
		parts := make([]string, len(values))
		for i, v := range values {
			if v == "$user" || strings.ToLower(v) != v {
				parts[i] = pgsql.QuoteIdent(v)
			} else {
				parts[i] = v
			}
		}
		return strings.Join(parts, ", ")
	}
	return strings.Join(values, ", ")
}

func validateEncoding(v string) (string, error) {
	switch strings.ToUpper(strings.ReplaceAll(v, "-", "")) {
	case "UTF8", "UNICODE":
		return "UTF8", nil
	}
	return "", fmt.Errorf("unsupported encoding %q", v)
}

func validateDateStyle(v string) (string, error) {
	if !strings.Contains(strings.ToUpper(v), "ISO") {
		return "", fmt.Errorf("only ISO output is supported")
	}
	return "ISO, MDY", nil
}

func validateTimeZone(v string) (string, error) {
	if _, err := time.LoadLocation(v); err != nil {
		return "", err
	}
	return v, nil
}

func validateInt(v string) (string, error) {
	if _, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

func validateTimeout(v string) (string, error) {
	d, err := parseTimeout(v)
	if err != nil {
		return "", err
	}
	return formatTimeout(d), nil
}

func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative timeout")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	v = strings.Replace(v, "min", "m", 1)
	d, err := time.ParseDuration(strings.ReplaceAll(v, " ", ""))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

// formatTimeout renders a duration the way PostgreSQL shows time settings.
func formatTimeout(d time.Duration) string {
	switch {
	case d == 0:
		return "0"
	case d%time.Minute == 0:
		return fmt.Sprintf("%dmin", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

// commitDefaults makes the current values the targets of RESET.
func (s *settings) commitDefaults() {
	for k, v := range s.values {
		s.defaults[k] = v
	}
}
