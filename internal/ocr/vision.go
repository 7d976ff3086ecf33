package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
)

type VisionOptions struct {
	Languages []string
	// CredentialsFile overrides Application Default Credentials when set.
	CredentialsFile string
}

// Vision recognizes with Google Cloud Vision document text detection. The
// annotator client is created once and is safe for concurrent use.
type Vision struct {
	client *vision.ImageAnnotatorClient
	hints  []string
}

func NewVision(ctx context.Context, opts VisionOptions) (*Vision, error) {
	var copts []option.ClientOption
	if opts.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("vision: create client: %w", err)
	}

	hints := languageHints(opts.Languages)
	log.Info().Str("component", logging.ComponentVision).Strs("hints", hints).Msg("vision client ready")
	return &Vision{client: client, hints: hints}, nil
}

func (v *Vision) Name() string { return EngineVision }

// Recognize returns one Line per detected paragraph.
func (v *Vision) Recognize(ctx context.Context, img image.Image) (Recognition, error) {
	data, err := encodePNG(img)
	if err != nil {
		return Recognition{}, &RecognitionError{Engine: EngineVision, Cause: err}
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: data},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: &visionpb.ImageContext{
				LanguageHints: v.hints,
			},
		}},
	}
	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return Recognition{}, &RecognitionError{Engine: EngineVision, Cause: err}
	}
	if len(resp.GetResponses()) == 0 {
		return Recognition{}, &RecognitionError{Engine: EngineVision, Cause: errors.New("empty response")}
	}
	r := resp.GetResponses()[0]
	if st := r.GetError(); st != nil && st.GetCode() != 0 {
		return Recognition{}, &RecognitionError{Engine: EngineVision, Cause: fmt.Errorf("code %d: %s", st.GetCode(), st.GetMessage())}
	}
	return paragraphs(r.GetFullTextAnnotation()), nil
}

func paragraphs(ann *visionpb.TextAnnotation) Recognition {
	var rec Recognition
	for _, page := range ann.GetPages() {
		for _, block := range page.GetBlocks() {
			for _, para := range block.GetParagraphs() {
				text := cleanSpan(paragraphText(para))
				if text == "" {
					continue
				}
				rec.Lines = append(rec.Lines, Line{
					Text:       text,
					Confidence: float64(para.GetConfidence()),
					Polygon:    polygon(para.GetBoundingBox()),
				})
			}
		}
	}
	return rec
}

func paragraphText(p *visionpb.Paragraph) string {
	var b strings.Builder
	for _, w := range p.GetWords() {
		for _, s := range w.GetSymbols() {
			b.WriteString(s.GetText())
			switch s.GetProperty().GetDetectedBreak().GetType() {
			case visionpb.TextAnnotation_DetectedBreak_SPACE, visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
				b.WriteByte(' ')
			case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE, visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func polygon(bp *visionpb.BoundingPoly) [4]image.Point {
	var out [4]image.Point
	for i, v := range bp.GetVertices() {
		if i >= len(out) {
			break
		}
		out[i] = image.Point{X: int(v.GetX()), Y: int(v.GetY())}
	}
	return out
}

func (v *Vision) Close() error { return v.client.Close() }

// bcp47 maps tesseract traineddata names to the BCP-47 tags Vision accepts
// as language hints.
var bcp47 = map[string]string{
	"ara":     "ar",
	"ben":     "bn",
	"chi_sim": "zh",
	"chi_tra": "zh-Hant",
	"deu":     "de",
	"eng":     "en",
	"fra":     "fr",
	"hin":     "hi",
	"ita":     "it",
	"jpn":     "ja",
	"kor":     "ko",
	"por":     "pt",
	"rus":     "ru",
	"spa":     "es",
	"urd":     "ur",
}

func languageHints(langs []string) []string {
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if tag, ok := bcp47[l]; ok {
			l = tag
		}
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
