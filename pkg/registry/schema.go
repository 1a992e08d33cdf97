package registry

// TemplateRegistry is the on-disk catalog of acquirers and the application
// templates each one accepts.
type TemplateRegistry struct {
	Version     string     `json:"version"`
	LastUpdated string     `json:"lastUpdated"`
	Acquirers   []Acquirer `json:"acquirers"`
	Templates   []Template `json:"templates"`
}

type Acquirer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Active      bool   `json:"active"`
}

type Template struct {
	ID             string                 `json:"id"`
	AcquirerID     string                 `json:"acquirerId"`
	DisplayName    string                 `json:"displayName"`
	Version        string                 `json:"version"`
	RequiredFields []string               `json:"requiredFields,omitempty"`
	Schema         map[string]interface{} `json:"schema,omitempty"`
	PDFTemplate    string                 `json:"pdfTemplate,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
}
