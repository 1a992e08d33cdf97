package generateapplicationpdf

type Input struct {
	ApplicationID string `json:"applicationId"`
	Environment   string `json:"environment"`
}

type Output struct {
	ApplicationID    string `json:"applicationId"`
	GeneratedPDFPath string `json:"generatedPdfPath"`
	GeneratedAt      string `json:"generatedAt"`
}

type renderRequest struct {
	TemplateID      string                 `json:"templateId"`
	PDFTemplate     string                 `json:"pdfTemplate,omitempty"`
	ApplicationData map[string]interface{} `json:"applicationData"`
}

type renderResponse struct {
	Path string `json:"path"`
}
