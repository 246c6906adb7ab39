package model

import "strings"

// Category identifies the kind of external service a source represents.
// The set is closed; anything unrecognized is treated as CategoryGeneral.
type Category string

const (
	CategoryCommunication     Category = "communication"
	CategoryMeetings          Category = "meetings"
	CategoryProjectManagement Category = "project_management"
	CategoryEngineering       Category = "engineering"
	CategoryDocumentation     Category = "documentation"
	CategorySupport           Category = "support"
	CategoryDesign            Category = "design"
	CategoryData              Category = "data"
	CategoryGeneral           Category = "general"
)

// AllCategories returns every category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryCommunication,
		CategoryMeetings,
		CategoryProjectManagement,
		CategoryEngineering,
		CategoryDocumentation,
		CategorySupport,
		CategoryDesign,
		CategoryData,
		CategoryGeneral,
	}
}

// ParseCategory maps a free-form tag onto the closed category set.
// Unknown or empty tags fall back to CategoryGeneral.
func ParseCategory(tag string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(tag)))
	if c.Known() {
		return c
	}
	return CategoryGeneral
}

// Known reports whether c is one of the defined categories.
func (c Category) Known() bool {
	switch c {
	case CategoryCommunication, CategoryMeetings, CategoryProjectManagement,
		CategoryEngineering, CategoryDocumentation, CategorySupport,
		CategoryDesign, CategoryData, CategoryGeneral:
		return true
	default:
		return false
	}
}
