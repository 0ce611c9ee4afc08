package nim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// suggestionCount is how many extracted colors get a palette suggestion.
const suggestionCount = 3

var defaultPaletteTypes = []string{"monochromatic", "complementary", "triadic", "analogous"}

// UnsuccessfulError is returned when a service answers 200 but reports
// success=false.
type UnsuccessfulError struct {
	Operation string
	Message   string
}

func (e *UnsuccessfulError) Error() string {
	if e.Message == "" {
		return e.Operation + " was unsuccessful"
	}
	return fmt.Sprintf("%s was unsuccessful: %s", e.Operation, e.Message)
}

// ColorService is the subset of Client used by Analyzer.
type ColorService interface {
	ExtractColors(ctx context.Context, req ExtractRequest) (json.RawMessage, error)
	GeneratePalette(ctx context.Context, req PaletteRequest) (json.RawMessage, error)
	CheckAccessibility(ctx context.Context, req AccessibilityRequest) (json.RawMessage, error)
	CheckPaletteAccessibility(ctx context.Context, req PaletteAccessibilityRequest) (json.RawMessage, error)
}

// Analyzer combines the individual services into higher level reports.
type Analyzer struct {
	svc    ColorService
	logger zerolog.Logger
}

func NewAnalyzer(svc ColorService, logger zerolog.Logger) *Analyzer {
	return &Analyzer{svc: svc, logger: logger}
}

type PaletteSuggestion struct {
	BaseColor string          `json:"base_color"`
	Palette   json.RawMessage `json:"palette"`
}

type ProcessingInfo struct {
	AlgorithmUsed         string  `json:"algorithm_used"`
	TotalProcessingTimeMS float64 `json:"total_processing_time"`
}

type ImageAnalysis struct {
	Success               bool                `json:"success"`
	ImageURL              string              `json:"image_url"`
	ExtractedColors       json.RawMessage     `json:"extracted_colors"`
	AccessibilityAnalysis json.RawMessage     `json:"accessibility_analysis"`
	PaletteSuggestions    []PaletteSuggestion `json:"palette_suggestions"`
	ProcessingInfo        ProcessingInfo      `json:"processing_info"`
}

// AnalyzeImage extracts the dominant colors of an image, checks them as a
// palette and suggests complementary palettes for the top colors.
func (a *Analyzer) AnalyzeImage(ctx context.Context, imageURL string, numColors int) (*ImageAnalysis, error) {
	extraction, err := a.svc.ExtractColors(ctx, ExtractRequest{ImageURL: imageURL, NumColors: numColors})
	if err != nil {
		return nil, err
	}
	if err := checkSuccess("Color extraction", extraction); err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(extraction)
	colors := hexCodes(doc)

	accessibility := a.paletteAccessibility(ctx, colors)

	top := colors
	if len(top) > suggestionCount {
		top = top[:suggestionCount]
	}
	slots := make([]*PaletteSuggestion, len(top))
	g, gctx := errgroup.WithContext(ctx)
	for i, hex := range top {
		i, hex := i, hex
		g.Go(func() error {
			palette, err := a.svc.GeneratePalette(gctx, PaletteRequest{
				BaseColor:   hex,
				PaletteType: "complementary",
				NumColors:   4,
			})
			if err == nil {
				err = checkSuccess("Palette generation", palette)
			}
			if err != nil {
				a.logger.Warn().Err(err).Str("base_color", hex).Msg("Skipping palette suggestion")
				return nil
			}
			slots[i] = &PaletteSuggestion{BaseColor: hex, Palette: palette}
			return nil
		})
	}
	_ = g.Wait()

	suggestions := make([]PaletteSuggestion, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			suggestions = append(suggestions, *s)
		}
	}

	return &ImageAnalysis{
		Success:               true,
		ImageURL:              imageURL,
		ExtractedColors:       extraction,
		AccessibilityAnalysis: accessibility,
		PaletteSuggestions:    suggestions,
		ProcessingInfo: ProcessingInfo{
			AlgorithmUsed: doc.Get("algorithm_used").String(),
			TotalProcessingTimeMS: doc.Get("processing_time_ms").Float() +
				gjson.GetBytes(accessibility, "processing_time_ms").Float(),
		},
	}, nil
}

type KeyCombination struct {
	Foreground string          `json:"foreground"`
	Background string          `json:"background"`
	Result     json.RawMessage `json:"result"`
}

type ComprehensiveReport struct {
	Success               bool                       `json:"success"`
	BaseColor             string                     `json:"base_color"`
	Palettes              map[string]json.RawMessage `json:"palettes"`
	AccessibilityAnalysis json.RawMessage            `json:"accessibility_analysis"`
	KeyCombinations       []KeyCombination           `json:"key_combinations"`
	Recommendations       []string                   `json:"recommendations"`
	TotalColorsAnalyzed   int                        `json:"total_colors_analyzed"`
}

// ComprehensivePalette generates one palette per type around baseColor and
// reports on the accessibility of the combined color set.
func (a *Analyzer) ComprehensivePalette(ctx context.Context, baseColor string, types []string) (*ComprehensiveReport, error) {
	if baseColor == "" {
		return nil, errors.New("base color is required")
	}
	if len(types) == 0 {
		types = defaultPaletteTypes
	}

	results := make([]json.RawMessage, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, typ := range types {
		i, typ := i, typ
		g.Go(func() error {
			palette, err := a.svc.GeneratePalette(gctx, PaletteRequest{BaseColor: baseColor, PaletteType: typ, NumColors: 5})
			if err == nil {
				err = checkSuccess("Palette generation", palette)
			}
			if err != nil {
				a.logger.Warn().Err(err).Str("palette_type", typ).Msg("Palette type skipped")
				return nil
			}
			results[i] = palette
			return nil
		})
	}
	_ = g.Wait()

	palettes := make(map[string]json.RawMessage, len(types))
	all := []string{baseColor}
	for i, typ := range types {
		if results[i] == nil {
			continue
		}
		palettes[typ] = results[i]
		all = append(all, hexCodes(gjson.ParseBytes(results[i]))...)
	}
	unique := dedupe(all)

	accessibility := a.paletteAccessibility(ctx, unique)

	combos := []KeyCombination{}
	if len(unique) >= 2 {
		for _, bg := range []string{"#FFFFFF", "#000000"} {
			res, err := a.svc.CheckAccessibility(ctx, AccessibilityRequest{ForegroundColor: baseColor, BackgroundColor: bg})
			if err == nil {
				err = checkSuccess("Accessibility check", res)
			}
			if err != nil {
				a.logger.Warn().Err(err).Str("background", bg).Msg("Key combination skipped")
				continue
			}
			combos = append(combos, KeyCombination{Foreground: baseColor, Background: bg, Result: res})
		}
	}

	return &ComprehensiveReport{
		Success:               true,
		BaseColor:             baseColor,
		Palettes:              palettes,
		AccessibilityAnalysis: accessibility,
		KeyCombinations:       combos,
		Recommendations:       Recommendations(palettes, accessibility),
		TotalColorsAnalyzed:   len(unique),
	}, nil
}

// paletteAccessibility never fails; an error is folded into the returned
// document so the report can still be delivered.
func (a *Analyzer) paletteAccessibility(ctx context.Context, colors []string) json.RawMessage {
	res, err := a.svc.CheckPaletteAccessibility(ctx, PaletteAccessibilityRequest{Colors: colors})
	if err != nil {
		a.logger.Warn().Err(err).Int("colors", len(colors)).Msg("Palette accessibility unavailable")
		return failure(err)
	}
	return res
}

// Recommendations turns a palette set and its accessibility analysis into
// design advice.
func Recommendations(palettes map[string]json.RawMessage, accessibility json.RawMessage) []string {
	var out []string

	acc := gjson.ParseBytes(accessibility)
	if acc.Get("success").Bool() {
		switch score := acc.Get("accessibility_score").Float(); {
		case score > 0.7:
			out = append(out, "✅ Excellent accessibility - most color combinations meet WCAG guidelines")
		case score > 0.4:
			out = append(out, "⚠️ Moderate accessibility - test critical text/background combinations")
		default:
			out = append(out, "❌ Low accessibility - consider revising color choices for better contrast")
		}
	}

	if _, ok := palettes["monochromatic"]; ok {
		out = append(out, "🎨 Monochromatic palette: Great for minimalist, cohesive designs")
	}
	if _, ok := palettes["complementary"]; ok {
		out = append(out, "🎨 Complementary palette: High contrast, perfect for call-to-action elements")
	}
	if _, ok := palettes["triadic"]; ok {
		out = append(out, "🎨 Triadic palette: Vibrant and energetic, use sparingly for accents")
	}

	return append(out,
		"💡 Always test colors in different lighting conditions",
		"💡 Consider providing a high contrast mode for accessibility",
	)
}

func checkSuccess(op string, body json.RawMessage) error {
	doc := gjson.ParseBytes(body)
	if doc.Get("success").Bool() {
		return nil
	}
	return &UnsuccessfulError{Operation: op, Message: doc.Get("error").String()}
}

func hexCodes(doc gjson.Result) []string {
	var out []string
	for _, v := range doc.Get("colors.#.hex_code").Array() {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dedupe keeps the first occurrence of each color, ignoring case.
func dedupe(colors []string) []string {
	seen := make(map[string]struct{}, len(colors))
	out := make([]string, 0, len(colors))
	for _, c := range colors {
		key := strings.ToUpper(c)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func failure(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
	return b
}
