package pkix

import (
	"crypto/x509/pkix"
	"sort"
	"strings"
)

// FormatDN renders a pkix.Name as "TYPE=value, TYPE=value". Values with
// embedded commas are quoted.
func FormatDN(name pkix.Name) string {
	parts := make([]string, 0, 8)
	add := func(typ string, values []string) {
		for _, v := range values {
			parts = append(parts, typ+"="+quoteDNValue(v))
		}
	}
	add("C", name.Country)
	add("ST", name.Province)
	add("L", name.Locality)
	add("O", name.Organization)
	add("OU", name.OrganizationalUnit)
	if name.CommonName != "" {
		parts = append(parts, "CN="+quoteDNValue(name.CommonName))
	}
	return strings.Join(parts, ", ")
}

// NormalizeDN parses the observed RDN components, uppercases the types,
// trims the values, sorts by type and re-emits "TYPE=value, ...". The
// result is a canonical form: NormalizeDN is idempotent, and two DNs are
// considered equal iff their normalized forms are byte-equal.
func NormalizeDN(dn string) string {
	components := splitDN(dn)
	type rdn struct {
		typ, value string
	}
	rdns := make([]rdn, 0, len(components))
	for _, comp := range components {
		idx := strings.Index(comp, "=")
		if idx < 0 {
			continue
		}
		typ := strings.ToUpper(strings.TrimSpace(comp[:idx]))
		value := strings.TrimSpace(comp[idx+1:])
		value = unquoteDNValue(value)
		if typ == "" || value == "" {
			continue
		}
		rdns = append(rdns, rdn{typ: typ, value: value})
	}

	sort.SliceStable(rdns, func(i, j int) bool {
		if rdns[i].typ != rdns[j].typ {
			return rdns[i].typ < rdns[j].typ
		}
		return rdns[i].value < rdns[j].value
	})

	parts := make([]string, 0, len(rdns))
	for _, r := range rdns {
		parts = append(parts, r.typ+"="+quoteDNValue(r.value))
	}
	return strings.Join(parts, ", ")
}

// SameDN reports whether two distinguished names are equal after
// normalization.
func SameDN(a, b string) bool {
	return NormalizeDN(a) == NormalizeDN(b)
}

// DNCommonName extracts the CN component from a distinguished name string.
func DNCommonName(dn string) string {
	for _, comp := range splitDN(dn) {
		idx := strings.Index(comp, "=")
		if idx < 0 {
			continue
		}
		if strings.ToUpper(strings.TrimSpace(comp[:idx])) == "CN" {
			return unquoteDNValue(strings.TrimSpace(comp[idx+1:]))
		}
	}
	return ""
}

// splitDN splits on commas and slashes that act as RDN separators,
// honoring double quotes and backslash escapes inside values.
func splitDN(dn string) []string {
	dn = strings.TrimSpace(dn)
	// OpenSSL style "/C=US/O=Org/CN=name".
	if strings.HasPrefix(dn, "/") && !strings.Contains(dn, ",") {
		return strings.FieldsFunc(dn, func(r rune) bool { return r == '/' })
	}

	var parts []string
	var cur strings.Builder
	inQuote := false
	escaped := false
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			inQuote = !inQuote
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func quoteDNValue(v string) string {
	if strings.Contains(v, ",") && !strings.HasPrefix(v, `"`) {
		return `"` + v + `"`
	}
	return v
}

func unquoteDNValue(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
	}
	// RFC 2253 backslash escapes, as produced by pkix.Name.String().
	v = strings.ReplaceAll(v, `\,`, ",")
	v = strings.ReplaceAll(v, `\=`, "=")
	v = strings.ReplaceAll(v, `\\`, `\`)
	return strings.TrimSpace(v)
}
