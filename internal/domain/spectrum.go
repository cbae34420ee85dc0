package domain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// IonMode is the polarity a spectrum was acquired in.
type IonMode string

const (
	IonModePositive IonMode = "positive"
	IonModeNegative IonMode = "negative"
)

// ParseIonMode accepts any casing of "positive" or "negative".
func ParseIonMode(s string) (IonMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return IonModePositive, nil
	case "negative":
		return IonModeNegative, nil
	default:
		return "", Invalid("parse ion mode", "ion_mode must be positive or negative, got %q", s)
	}
}

// Matches reports whether a raw Ion_Mode value belongs to m.
func (m IonMode) Matches(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), string(m))
}

// Sign is +1 for positive and -1 for negative mode.
func (m IonMode) Sign() int {
	if m == IonModeNegative {
		return -1
	}
	return 1
}

// Peaks holds aligned m/z and intensity vectors.
type Peaks struct {
	MZ          []float64 `json:"mz"`
	Intensities []float64 `json:"intensities"`
}

// Len returns the number of peaks.
func (p Peaks) Len() int { return len(p.MZ) }

// Clone returns a deep copy.
func (p Peaks) Clone() Peaks {
	return Peaks{
		MZ:          append([]float64(nil), p.MZ...),
		Intensities: append([]float64(nil), p.Intensities...),
	}
}

// Metadata is the harmonised metadata of a cleaned spectrum.
type Metadata struct {
	PrecursorMZ  float64 `json:"precursor_mz"`
	ParentMass   float64 `json:"parent_mass"`
	ExactMass    float64 `json:"exactmass,omitempty"`
	Charge       int     `json:"charge"`
	IonMode      IonMode `json:"ion_mode"`
	InChI        string  `json:"inchi"`
	InChIKey     string  `json:"inchikey"`
	SMILES       string  `json:"smiles"`
	CompoundName string  `json:"compound_name,omitempty"`
	Adduct       string  `json:"adduct,omitempty"`
}

// Spectrum is a cleaned spectrum.
type Spectrum struct {
	SpectrumID string   `json:"spectrum_id"`
	Peaks      Peaks    `json:"peaks"`
	Metadata   Metadata `json:"metadata"`
}

// InChIKeyPrefix returns the 14-character chemical identity class, or ""
// when the spectrum carries no usable InChIKey.
func (s *Spectrum) InChIKeyPrefix() string {
	return InChIKeyPrefix(s.Metadata.InChIKey)
}

// InChIKeyPrefix returns the first 14 characters of key, or "" if shorter.
func InChIKeyPrefix(key string) string {
	if len(key) < 14 {
		return ""
	}
	return key[:14]
}

// RawSpectrum is one library record reduced to the keys the cleaner uses.
// Scalars are kept as text because the library mixes numbers and strings.
type RawSpectrum struct {
	SpectrumID   string          `json:"spectrum_id"`
	PeaksJSON    json.RawMessage `json:"peaks_json"`
	PrecursorMZ  string          `json:"precursor_mz,omitempty"`
	IonMode      string          `json:"ion_mode,omitempty"`
	InChI        string          `json:"inchi,omitempty"`
	InChIKey     string          `json:"inchikey,omitempty"`
	SMILES       string          `json:"smiles,omitempty"`
	Charge       string          `json:"charge,omitempty"`
	CompoundName string          `json:"compound_name,omitempty"`
	ExactMass    string          `json:"exactmass,omitempty"`
	Adduct       string          `json:"adduct,omitempty"`
}

// rawKeyAliases maps lower-cased library keys to RawSpectrum fields. The
// key set doubles as the ingestion whitelist.
var rawKeyAliases = map[string]string{
	"spectrum_id":     "spectrum_id",
	"spectrumid":      "spectrum_id",
	"peaks_json":      "peaks_json",
	"precursor_mz":    "precursor_mz",
	"ion_mode":        "ion_mode",
	"inchi":           "inchi",
	"inchikey":        "inchikey",
	"inchikey_inchi":  "inchikey_inchi",
	"inchikey_smiles": "inchikey_smiles",
	"smiles":          "smiles",
	"charge":          "charge",
	"compound_name":   "compound_name",
	"exactmass":       "exactmass",
	"exact_mass":      "exactmass",
	"adduct":          "adduct",
}

// IsWhitelistedKey reports whether a library record key is kept on ingest.
func IsWhitelistedKey(key string) bool {
	_, ok := rawKeyAliases[strings.ToLower(key)]
	return ok
}

// ProjectFields keeps the whitelisted keys of a library record, in their
// original spelling.
func ProjectFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(rawKeyAliases))
	for k, v := range fields {
		if IsWhitelistedKey(k) {
			out[k] = v
		}
	}
	return out
}

// UnmarshalJSON accepts the library's mixed-case keys and number-or-string
// scalars.
func (r *RawSpectrum) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	out, err := NewRawSpectrum(fields)
	if err != nil {
		return err
	}
	*r = out
	return nil
}

// NewRawSpectrum builds a RawSpectrum from decoded record fields.
func NewRawSpectrum(fields map[string]json.RawMessage) (RawSpectrum, error) {
	canon := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if name, ok := rawKeyAliases[strings.ToLower(k)]; ok {
			canon[name] = v
		}
	}

	var out RawSpectrum
	var err error
	text := func(key string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = scalarText(canon[key])
		if err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
		}
		return s
	}
	out.SpectrumID = text("spectrum_id")
	out.PrecursorMZ = text("precursor_mz")
	out.IonMode = text("ion_mode")
	out.InChI = text("inchi")
	out.SMILES = text("smiles")
	out.Charge = text("charge")
	out.CompoundName = text("compound_name")
	out.ExactMass = text("exactmass")
	out.Adduct = text("adduct")
	for _, key := range []string{"inchikey", "inchikey_inchi", "inchikey_smiles"} {
		if v := text(key); v != "" && out.InChIKey == "" {
			out.InChIKey = v
		}
	}
	if err != nil {
		return RawSpectrum{}, err
	}
	if p, ok := canon["peaks_json"]; ok {
		out.PeaksJSON = append(json.RawMessage(nil), p...)
	}
	return out, nil
}

func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if raw[0] == '{' || raw[0] == '[' {
		return "", fmt.Errorf("expected scalar, got %c", raw[0])
	}
	return string(raw), nil
}

// ParsePeaks decodes peaks_json, which the library stores either as an
// array of [mz, intensity] pairs or as a string holding that array.
func (r *RawSpectrum) ParsePeaks() (Peaks, error) {
	raw := bytes.TrimSpace(r.PeaksJSON)
	if len(raw) == 0 {
		return Peaks{}, fmt.Errorf("peaks_json missing")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Peaks{}, err
		}
		raw = []byte(inner)
	}
	var pairs [][]float64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return Peaks{}, fmt.Errorf("decode peaks_json: %w", err)
	}
	p := Peaks{
		MZ:          make([]float64, 0, len(pairs)),
		Intensities: make([]float64, 0, len(pairs)),
	}
	for i, pair := range pairs {
		if len(pair) != 2 {
			return Peaks{}, fmt.Errorf("peak %d has %d values", i, len(pair))
		}
		p.MZ = append(p.MZ, pair[0])
		p.Intensities = append(p.Intensities, pair[1])
	}
	return p, nil
}
