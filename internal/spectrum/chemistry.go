package spectrum

import (
	"regexp"
	"strings"

	"github.com/timmy/ms2sim/internal/domain"
)

// inchiBodyPattern matches an InChI missing its prefix, e.g.
// "1S/C6H6/c1-2-4-6-5-3-1/h1-6H".
var (
	inchikeyPattern  = regexp.MustCompile(`^[A-Z]{14}-[A-Z]{10}-[A-Z]$`)
	inchiBodyPattern = regexp.MustCompile(`^1S?/[A-Za-z0-9]`)
	skeletonPattern  = regexp.MustCompile(`^[A-Z]{14}`)
	smilesPattern    = regexp.MustCompile(`^[A-Za-z0-9@+\-\[\]\(\)\\/%=#$.:*~]+$`)
)

// undefinedValues are the spellings of "missing" found in public libraries.
var undefinedValues = func() map[string]bool {
	set := make(map[string]bool)
	for _, v := range []string{
		"", "-", "0", "n/a", "n\\a", "na", "nan", "none", "null", "nothing",
		"missing", "unknown", "<unknown>", "undefined", "no data",
		"not available", "not applicable", "no structure", "structure unknown",
		"no inchi", "no smiles", "nan-nan-nan",
		"inchi=", "inchi=1/", "inchi=1s/", "inchi=1s//", "inchi=1s/n/a", "inchi=n/a",
		"inchikey=", "inchikey=n/a", "inchikey=none", "smiles=", "smiles=n/a",
	} {
		set[v] = true
	}
	return set
}()

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'")
	return strings.TrimSpace(s)
}

func undefined(s string) bool {
	return undefinedValues[strings.ToLower(s)]
}

// IsInChIKey reports whether s has the InChIKey shape.
func IsInChIKey(s string) bool { return inchikeyPattern.MatchString(s) }

// IsInChI reports whether s looks like an InChI string.
func IsInChI(s string) bool { return strings.HasPrefix(s, "InChI=") }

func looksLikeSMILES(s string) bool {
	return s != "" && !IsInChI(s) && !IsInChIKey(s) && !strings.Contains(s, " ") && smilesPattern.MatchString(s)
}

// HarmonizeUndefinedChemistry strips stray quotes and whitespace and maps
// every spelling of "missing" to the empty string.
func HarmonizeUndefinedChemistry(s *domain.Spectrum) (*domain.Spectrum, error) {
	md := &s.Metadata
	for _, field := range []*string{&md.InChI, &md.InChIKey, &md.SMILES} {
		v := stripQuotes(*field)
		if undefined(v) {
			v = ""
		}
		*field = v
	}
	return s, nil
}

// RepairSwappedChemistry moves identifiers written into the wrong slot
// back where they belong.
func RepairSwappedChemistry(s *domain.Spectrum) (*domain.Spectrum, error) {
	md := &s.Metadata

	if IsInChIKey(md.InChI) {
		if md.InChIKey == "" {
			md.InChIKey = md.InChI
		}
		md.InChI = ""
	}
	if IsInChI(md.SMILES) {
		if md.InChI == "" {
			md.InChI = md.SMILES
		}
		md.SMILES = ""
	}
	if IsInChIKey(md.SMILES) {
		if md.InChIKey == "" {
			md.InChIKey = md.SMILES
		}
		md.SMILES = ""
	}
	if IsInChI(md.InChIKey) {
		if md.InChI == "" {
			md.InChI = md.InChIKey
		}
		md.InChIKey = ""
	}
	if md.InChI != "" && !IsInChI(md.InChI) {
		switch {
		case inchiBodyPattern.MatchString(md.InChI):
			md.InChI = "InChI=" + md.InChI
		case looksLikeSMILES(md.InChI) && md.SMILES == "":
			md.SMILES, md.InChI = md.InChI, ""
		}
	}
	return s, nil
}

// DeriveMissingChemistry fills identifiers that can be recovered lexically
// and clears values that fail validation. InChIKeys are upper-cased and
// must have the standard shape; InChIs must carry the InChI= prefix.
func DeriveMissingChemistry(s *domain.Spectrum) (*domain.Spectrum, error) {
	md := &s.Metadata

	if strings.HasPrefix(strings.ToLower(md.InChIKey), "inchikey=") {
		md.InChIKey = md.InChIKey[len("inchikey="):]
	}
	md.InChIKey = strings.ToUpper(strings.TrimSpace(md.InChIKey))
	if md.InChIKey != "" && !IsInChIKey(md.InChIKey) && !skeletonPattern.MatchString(md.InChIKey) {
		md.InChIKey = ""
	}
	if md.InChI != "" && !IsInChI(md.InChI) {
		md.InChI = ""
	}
	if md.SMILES != "" && !looksLikeSMILES(md.SMILES) {
		md.SMILES = ""
	}
	return s, nil
}
