// -----------------------------------------------------------------------
// Multi-page merging - sequence detection + medical-aware section merger
// -----------------------------------------------------------------------

package ocr

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SectionKind classifies a block of extracted text by its medical role.
type SectionKind string

const (
	SectionPatientInfo SectionKind = "patient_info"
	SectionLabValues   SectionKind = "lab_values"
	SectionDiagnosis   SectionKind = "diagnosis"
	SectionMedication  SectionKind = "medication"
	SectionFindings    SectionKind = "findings"
	SectionOther       SectionKind = "other"
)

// sectionMarkers maps German report headings to section kinds. Matching is
// case-insensitive on the heading line only.
var sectionMarkers = map[SectionKind][]string{
	SectionPatientInfo: {"patient", "geburtsdatum", "versichert"},
	SectionLabValues:   {"laborwerte", "laborbefund", "referenzbereich", "messwert"},
	SectionDiagnosis:   {"diagnose", "diagnosen", "icd"},
	SectionMedication:  {"medikation", "medikamente", "therapieempfehlung"},
	SectionFindings:    {"befund", "beurteilung", "anamnese", "epikrise"},
}

var trailingNumber = regexp.MustCompile(`(\d+)\D*$`)

// OrderBySequence sorts filenames by their trailing page number so multi-file
// uploads (scan_1.jpg, scan_2.jpg, ...) extract in document order. Names
// without a number keep their original relative position at the end.
func OrderBySequence(filenames []string) []string {
	type entry struct {
		name string
		num  int
		ok   bool
		idx  int
	}
	entries := make([]entry, len(filenames))
	for i, name := range filenames {
		e := entry{name: name, idx: i}
		if m := trailingNumber.FindStringSubmatch(name); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				e.num = n
				e.ok = true
			}
		}
		entries[i] = e
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ok && entries[j].ok {
			return entries[i].num < entries[j].num
		}
		if entries[i].ok != entries[j].ok {
			return entries[i].ok
		}
		return entries[i].idx < entries[j].idx
	})

	ordered := make([]string, len(entries))
	for i, e := range entries {
		ordered[i] = e.name
	}
	return ordered
}

// classifySection returns the kind of a text block based on its first lines.
func classifySection(block string) SectionKind {
	head := strings.ToLower(block)
	if idx := strings.IndexByte(head, '\n'); idx > 0 && idx < 120 {
		// Prefer the heading line when one exists
		head = head[:idx]
	} else if len(head) > 120 {
		head = head[:120]
	}
	for kind, markers := range sectionMarkers {
		for _, marker := range markers {
			if strings.Contains(head, marker) {
				return kind
			}
		}
	}
	return SectionOther
}

// MergeMedical merges per-page (or per-strategy) extracted texts into one
// document. Repeated headers across pages are dropped: a section whose
// heading already appeared contributes only its body lines.
func MergeMedical(parts []string) string {
	seenHeadings := make(map[string]bool)
	var out strings.Builder

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lines := strings.Split(part, "\n")
		start := 0
		if len(lines) > 0 {
			heading := normalizeHeading(lines[0])
			if heading != "" && seenHeadings[heading] {
				start = 1
			} else if heading != "" && classifySection(part) != SectionOther {
				seenHeadings[heading] = true
			}
		}

		body := strings.TrimSpace(strings.Join(lines[start:], "\n"))
		if body == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(body)
	}
	return out.String()
}

// normalizeHeading canonicalizes a heading line for duplicate detection.
func normalizeHeading(line string) string {
	line = strings.ToLower(strings.TrimSpace(line))
	line = strings.Trim(line, ":- \t")
	if len(line) == 0 || len(line) > 80 {
		return ""
	}
	return line
}

// MergeStrategies merges the outputs of two extraction strategies for the
// HYBRID engine. The higher-confidence text is the base; sections present
// only in the other text are appended.
func MergeStrategies(primary, secondary string) string {
	primary = strings.TrimSpace(primary)
	secondary = strings.TrimSpace(secondary)
	if primary == "" {
		return secondary
	}
	if secondary == "" {
		return primary
	}

	primaryKinds := make(map[SectionKind]bool)
	for _, block := range splitBlocks(primary) {
		primaryKinds[classifySection(block)] = true
	}

	var extras []string
	for _, block := range splitBlocks(secondary) {
		kind := classifySection(block)
		if kind != SectionOther && !primaryKinds[kind] {
			extras = append(extras, block)
			primaryKinds[kind] = true
		}
	}

	if len(extras) == 0 {
		return primary
	}
	return primary + "\n\n" + strings.Join(extras, "\n\n")
}

func splitBlocks(text string) []string {
	raw := strings.Split(text, "\n\n")
	blocks := make([]string, 0, len(raw))
	for _, block := range raw {
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, strings.TrimSpace(block))
		}
	}
	return blocks
}
