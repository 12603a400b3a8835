// Package normalize standardizes COMPRANET vendor names and tax IDs
// for matching: accent folding, legal-form stripping, RFC validation,
// and a Spanish-adapted phonetic code.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// legalForm pairs a suffix pattern (as it appears after punctuation
// cleanup) with its canonical token. Ordered longest-first so compound
// forms win over their fragments.
type legalForm struct {
	suffix string
	canon  string
}

var legalForms = []legalForm{
	{"S DE RL DE CV", "S_DE_RL_DE_CV"},
	{"S C DE RL DE CV", "SC_DE_RL_DE_CV"},
	{"SC DE RL DE CV", "SC_DE_RL_DE_CV"},
	{"S A P I DE C V", "SAPI_DE_CV"},
	{"SAPI DE CV", "SAPI_DE_CV"},
	{"SAB DE CV", "SAB_DE_CV"},
	{"S A DE C V", "SA_DE_CV"},
	{"SA DE CV", "SA_DE_CV"},
	{"SRL DE CV", "S_DE_RL_DE_CV"},
	{"SPR DE RL", "SPR_DE_RL"},
	{"SPR DE RI", "SPR_DE_RI"},
	{"S DE RL", "S_DE_RL"},
	{"A EN P", "A_EN_P"},
	{"S EN C", "S_EN_C"},
	{"SAPI", "SAPI"},
	{"SAB", "SAB"},
	{"SAS", "SAS"},
	{"SRL", "S_DE_RL"},
	{"SCL", "SCL"},
	{"SNC", "SNC"},
	{"SA", "SA"},
	{"SC", "SC"},
	{"AC", "AC"},
}

// stopTokens are dropped when building search tokens for blocking.
var stopTokens = map[string]bool{
	"DE": true, "LA": true, "EL": true, "LOS": true, "LAS": true,
	"DEL": true, "Y": true, "E": true, "EN": true,
	"CIA": true, "COMPANIA": true,
}

// corporateKeywords force company classification for records without
// an RFC or a legal form.
var corporateKeywords = map[string]bool{
	"GRUPO": true, "CORPORATIVO": true, "CONSTRUCTORA": true, "CONSTRUCCIONES": true,
	"COMERCIALIZADORA": true, "DISTRIBUIDORA": true, "OPERADORA": true,
	"SERVICIOS": true, "SUMINISTROS": true, "PROVEEDORA": true, "PRODUCTOS": true,
	"INMOBILIARIA": true, "TRANSPORTES": true, "FARMACIA": true, "FARMACIAS": true,
	"FARMACEUTICA": true, "LABORATORIOS": true, "MEDICAMENTOS": true,
	"ABARROTES": true, "PAPELERA": true, "FERRETERA": true,
	"CONSULTORIA": true, "CONSULTORES": true, "INGENIERIA": true, "PROYECTOS": true,
	"SISTEMAS": true, "TECNOLOGIA": true, "TECNOLOGIAS": true, "SOLUCIONES": true,
	"TELECOMUNICACIONES": true, "EQUIPOS": true, "MATERIALES": true, "EDITORIAL": true,
	"ASOCIACION": true, "COOPERATIVA": true, "UNIVERSIDAD": true, "INSTITUTO": true,
	"ABASTECEDORA": true, "ARRENDADORA": true, "DESARROLLADORA": true,
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

var punctReplacer = strings.NewReplacer(
	"&", " Y ",
	".", "",
	"'", "",
	"´", "",
	"\"", "",
	",", " ",
	";", " ",
	":", " ",
	"-", " ",
	"_", " ",
	"/", " ",
	"(", " ",
	")", " ",
	"#", " ",
	"*", " ",
)

// Normalized holds the matching products of one raw vendor name.
type Normalized struct {
	BaseName     string   // suffix-free, accent-folded, uppercase
	LegalSuffix  string   // canonical token, empty when none detected
	Tokens       []string // BaseName split on whitespace
	SearchTokens []string // Tokens minus stop tokens (falls back to Tokens)
}

// Name standardizes a vendor name for matching:
//  1. Trim and uppercase
//  2. Fold accents (PÉREZ -> PEREZ, Ñ -> N)
//  3. Normalize punctuation (& -> Y, dots removed, rest to spaces)
//  4. Strip one trailing legal form (S.A. DE C.V., S. DE R.L., ...)
//  5. Collapse whitespace
//
// The pipeline is idempotent: normalizing a BaseName returns it unchanged.
func Name(raw string) Normalized {
	name := strings.TrimSpace(raw)
	if name == "" {
		return Normalized{}
	}

	name = strings.ToUpper(name)
	name = FoldAccents(name)
	name = punctReplacer.Replace(name)
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	base, canon := stripLegalForm(name)

	n := Normalized{BaseName: base, LegalSuffix: canon}
	if base == "" {
		return n
	}
	n.Tokens = strings.Fields(base)
	n.SearchTokens = searchTokens(n.Tokens)
	return n
}

// stripLegalForm removes one trailing legal form and reports its
// canonical token. A name that is nothing but a legal form yields an
// empty base.
func stripLegalForm(name string) (base, canon string) {
	for _, lf := range legalForms {
		if name == lf.suffix {
			return "", lf.canon
		}
		if strings.HasSuffix(name, " "+lf.suffix) {
			return strings.TrimSpace(strings.TrimSuffix(name, lf.suffix)), lf.canon
		}
	}
	return name, ""
}

func searchTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !stopTokens[tok] {
			out = append(out, tok)
		}
	}
	// Names made entirely of stop tokens keep their full token list so
	// blocking keys do not vanish.
	if len(out) == 0 {
		return tokens
	}
	return out
}

// FoldAccents strips combining marks: Á->A, É->E, Ñ->N, Ü->U.
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// IsIndividual classifies a record as a natural person. A valid RFC
// decides by length; otherwise a legal form or corporate keyword means
// company, and everything else defaults to individual, which is the
// conservative choice because individuals are never merged by name.
func IsIndividual(n Normalized, rfcNorm string) bool {
	if rfcNorm != "" {
		return RFCIsIndividual(rfcNorm)
	}
	if n.LegalSuffix != "" {
		return false
	}
	for _, tok := range n.Tokens {
		if corporateKeywords[tok] {
			return false
		}
	}
	return true
}

// Vendor derives the full normalization products for one raw record.
func Vendor(rec model.VendorRecord) model.NormalizedVendor {
	n := Name(rec.Name)

	nv := model.NormalizedVendor{
		VendorRecord: rec,
		BaseName:     n.BaseName,
		LegalSuffix:  n.LegalSuffix,
		SearchTokens: n.SearchTokens,
	}
	if rfc, ok := RFC(rec.RFC); ok {
		nv.RFCNorm = rfc
	}
	nv.Individual = IsIndividual(n, nv.RFCNorm)
	if len(n.SearchTokens) > 0 {
		nv.PhoneticFirst = PhoneticCode(n.SearchTokens[0])
		nv.PhoneticLast = PhoneticCode(n.SearchTokens[len(n.SearchTokens)-1])
	}
	return nv
}
