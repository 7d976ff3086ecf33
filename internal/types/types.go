package types

type DirectPage struct {
	PageNumber   int      `json:"page_number"`
	Text         string   `json:"text"`
	ImagesBase64 []string `json:"images_base64"`
	// Only set when full-page images are enabled for direct mode.
	PageImageBase64 string `json:"page_image_base64,omitempty"`
}

type DirectResult struct {
	FileName string       `json:"file_name"`
	Pages    []DirectPage `json:"pages"`
}

type OCRPage struct {
	PageNumber      int    `json:"page_number"`
	OCRText         string `json:"ocr_text"`
	PageImageBase64 string `json:"page_image_base64"`
}

type OCRResult struct {
	FileName string    `json:"file_name"`
	Pages    []OCRPage `json:"pages"`
}

// ── Transport ────────────────────────────────────────────────────────────────

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type HealthResponse struct {
	Status    string `json:"status"` // "ok" | "degraded"
	Active    int64  `json:"active"`
	Capacity  int64  `json:"capacity"`
	OCREngine string `json:"ocr_engine"`
	Version   string `json:"version"`
}
