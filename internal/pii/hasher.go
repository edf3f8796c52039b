// Package pii normalises and hashes personally identifiable fields into the
// form the conversion API matches users on. Every function is pure and
// deterministic: the same input always yields the same digest.
package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// nationalLength is the longest national (subscriber) number for a calling
// code. A number longer than this that starts with the code carries it.
var nationalLength = map[string]int{
	"1":   10, // NANP
	"34":  9,  // Spain
	"44":  10, // United Kingdom
	"49":  11, // Germany
	"52":  10, // Mexico
	"54":  10, // Argentina
	"55":  11, // Brazil
	"351": 9,  // Portugal
}

// DefaultCountryCodes are the calling codes stripped when no override is set.
var DefaultCountryCodes = []string{"55"}

// Hasher hashes contact fields. The zero value strips no country code.
type Hasher struct {
	codes []string // longest first
}

// NewHasher returns a Hasher that strips the given calling codes. Codes with
// no known national length are ignored.
func NewHasher(countryCodes []string) *Hasher {
	var codes []string
	for _, c := range countryCodes {
		c = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c), "+"))
		if _, ok := nationalLength[c]; ok {
			codes = append(codes, c)
		}
	}
	sort.SliceStable(codes, func(i, j int) bool { return len(codes[i]) > len(codes[j]) })
	return &Hasher{codes: codes}
}

// Contact is the raw identity of a lead.
type Contact struct {
	Email       string
	Phone       string
	Name        string
	Fingerprint string
	LeadID      string
}

// UserData is the provider's user-matching block. Empty fields are omitted.
type UserData struct {
	Email      []string `json:"em,omitempty"`
	Phone      []string `json:"ph,omitempty"`
	FirstName  []string `json:"fn,omitempty"`
	LastName   []string `json:"ln,omitempty"`
	ExternalID []string `json:"external_id,omitempty"`
	ClientIP   string   `json:"client_ip_address,omitempty"`
	UserAgent  string   `json:"client_user_agent,omitempty"`
	FBC        string   `json:"fbc,omitempty"`
	FBP        string   `json:"fbp,omitempty"`
}

// UserData hashes every identifying field of c.
func (h *Hasher) UserData(c Contact) UserData {
	var ud UserData
	if v := HashEmail(c.Email); v != "" {
		ud.Email = []string{v}
	}
	if v := h.HashPhone(c.Phone); v != "" {
		ud.Phone = []string{v}
	}
	first, last := SplitName(c.Name)
	if first != "" {
		ud.FirstName = []string{first}
	}
	if last != "" {
		ud.LastName = []string{last}
	}
	if v := ExternalID(c.Fingerprint, c.LeadID); v != "" {
		ud.ExternalID = []string{v}
	}
	return ud
}

// HashEmail trims, lowercases and strips diacritics before hashing.
func HashEmail(email string) string {
	v := fold(email)
	if v == "" {
		return ""
	}
	return Sum(v)
}

// HashPhone keeps digits only, strips a configured country code when the
// number is longer than a bare national number, and hashes the rest.
func (h *Hasher) HashPhone(phone string) string {
	digits := h.NormalizePhone(phone)
	if digits == "" {
		return ""
	}
	return Sum(digits)
}

// NormalizePhone returns the digits that HashPhone hashes.
func (h *Hasher) NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if h == nil {
		return digits
	}
	for _, code := range h.codes {
		if strings.HasPrefix(digits, code) && len(digits) > nationalLength[code] {
			return digits[len(code):]
		}
	}
	return digits
}

// SplitName hashes the first token as the first name and the remaining
// tokens, joined by a single space, as the last name.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(fold(name))
	if len(parts) == 0 {
		return "", ""
	}
	first = Sum(parts[0])
	if len(parts) > 1 {
		last = Sum(strings.Join(parts[1:], " "))
	}
	return first, last
}

// ExternalID hashes the lead fingerprint, or the lead id when no fingerprint
// was recorded.
func ExternalID(fingerprint, leadID string) string {
	if v := strings.TrimSpace(fingerprint); v != "" {
		return Sum(v)
	}
	if v := strings.TrimSpace(leadID); v != "" {
		return Sum(v)
	}
	return ""
}

// Sum is the lowercase hex SHA-256 of s.
func Sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fold trims, lowercases and removes combining marks.
func fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
