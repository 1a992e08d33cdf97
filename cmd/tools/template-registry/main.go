package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"onboarding-crm/internal/common/validation"
	"onboarding-crm/pkg/registry"
)

const defaultPath = "configs/acquirer-templates.json"

func main() {
	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)

	addPath := addCmd.String("path", defaultPath, "Path to registry file")
	id := addCmd.String("id", "", "Template ID (e.g., acme-standard-v2)")
	acquirer := addCmd.String("acquirer", "", "Acquirer ID the template belongs to")
	displayName := addCmd.String("displayName", "", "Display Name")
	version := addCmd.String("version", "1.0.0", "Version")
	required := addCmd.String("required", "", "Comma-separated required fields")
	schemaFile := addCmd.String("schema", "", "Path to a JSON schema file for application data")
	pdfTemplate := addCmd.String("pdfTemplate", "", "Renderer template name")

	listPath := listCmd.String("path", defaultPath, "Path to registry file")
	listAcquirer := listCmd.String("acquirer", "", "Only list templates of this acquirer")

	validatePath := validateCmd.String("path", defaultPath, "Path to registry file")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		if *id == "" || *acquirer == "" || *displayName == "" {
			fmt.Println("Error: id, acquirer and displayName are required for add.")
			addCmd.Usage()
			os.Exit(1)
		}
		tmpl := registry.Template{
			ID:             *id,
			AcquirerID:     *acquirer,
			DisplayName:    *displayName,
			Version:        *version,
			RequiredFields: splitList(*required),
			PDFTemplate:    *pdfTemplate,
		}
		if err := addTemplate(*addPath, tmpl, *schemaFile); err != nil {
			fmt.Printf("Error adding template: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved template: %s\n", *id)

	case "list":
		listCmd.Parse(os.Args[2:])
		if err := listTemplates(*listPath, *listAcquirer); err != nil {
			fmt.Printf("Error listing templates: %v\n", err)
			os.Exit(1)
		}

	case "validate":
		validateCmd.Parse(os.Args[2:])
		problems, err := validateRegistry(*validatePath)
		if err != nil {
			fmt.Printf("Registry validation failed: %v\n", err)
			os.Exit(1)
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
			fmt.Printf("Registry validation failed with %d problem(s).\n", len(problems))
			os.Exit(1)
		}
		fmt.Println("Registry validation passed.")

	case "help":
		fallthrough
	default:
		help()
	}
}

func addTemplate(path string, tmpl registry.Template, schemaFile string) error {
	reg, err := registry.LoadRegistry(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		reg = &registry.TemplateRegistry{
			Version:     "1.0.0",
			LastUpdated: time.Now().UTC().Format(time.RFC3339),
		}
	}

	if schemaFile != "" {
		data, err := os.ReadFile(schemaFile)
		if err != nil {
			return fmt.Errorf("failed to read schema: %w", err)
		}
		if err := json.Unmarshal(data, &tmpl.Schema); err != nil {
			return fmt.Errorf("failed to parse schema: %w", err)
		}
		if err := validation.CompileSchema(tmpl.Schema); err != nil {
			return fmt.Errorf("schema does not compile: %w", err)
		}
	}

	if _, ok := reg.Acquirer(tmpl.AcquirerID); !ok {
		reg.Acquirers = append(reg.Acquirers, registry.Acquirer{ID: tmpl.AcquirerID, DisplayName: tmpl.AcquirerID, Active: true})
	}
	reg.Upsert(tmpl)
	return registry.SaveRegistry(path, reg)
}

func listTemplates(path, acquirerID string) error {
	reg, err := registry.LoadRegistry(path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	for _, a := range reg.Acquirers {
		if acquirerID != "" && a.ID != acquirerID {
			continue
		}
		status := "active"
		if !a.Active {
			status = "inactive"
		}
		fmt.Printf("%s (%s, %s)\n", a.DisplayName, a.ID, status)
		for _, t := range reg.TemplatesFor(a.ID) {
			fmt.Printf("  %-28s v%-8s required=%d schema=%t\n", t.ID, t.Version, len(t.RequiredFields), len(t.Schema) > 0)
		}
	}
	return nil
}

// validateRegistry reports referential problems plus schemas that do not
// compile.
func validateRegistry(path string) ([]string, error) {
	reg, err := registry.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	var problems []string
	for _, e := range reg.Validate() {
		problems = append(problems, e.Error())
	}
	for _, t := range reg.Templates {
		if len(t.Schema) == 0 {
			continue
		}
		if err := validation.CompileSchema(t.Schema); err != nil {
			problems = append(problems, fmt.Sprintf("template %s: %v", t.ID, err))
		}
	}
	fmt.Printf("Checked %d acquirer(s) and %d template(s).\n", len(reg.Acquirers), len(reg.Templates))
	return problems, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func help() {
	fmt.Print(`
Usage: template-registry <command> [flags]

Commands:
  add       Add or replace an acquirer application template
  list      List acquirers and their templates
  validate  Validate the registry file and template schemas
  help      Show this help message

Examples:
  template-registry add -id acme-standard -acquirer acme -displayName "Acme Standard" -required businessName,mcc -schema schemas/acme.json
  template-registry list -acquirer acme
  template-registry validate -path configs/acquirer-templates.json

Use 'template-registry <command> -h' for more information about a command.
` + "\n")
}
