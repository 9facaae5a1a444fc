package automation

import (
	"strconv"
	"strings"

	"github.com/songzhibin97/bookflow/types"
)

// Template placeholders understood by SendNotification actions.
const (
	PlaceholderBookTitle = "{book_title}"
	PlaceholderStage     = "{stage}"
	PlaceholderPages     = "{pages}"
)

// NotificationTitlePrefix prefixes the rule name in notification titles.
const NotificationTitlePrefix = "Automation: "

// UnknownTitle replaces {book_title} for a book without a title.
const UnknownTitle = "Unknown"

// RenderMessage substitutes every placeholder occurrence in tmpl.
// {stage} is the completed stage, else the book's current stage.
// {pages} is the reported page count, else 0. An empty title renders as
// UnknownTitle. Substituted values are never rescanned for placeholders.
func RenderMessage(tmpl string, book types.Book, ectx types.EventContext) string {
	stage := ectx.CompletedStage
	if stage == "" {
		stage = book.CurrentStage
	}
	pages, _ := ectx.Pages()
	title := book.Title
	if title == "" {
		title = UnknownTitle
	}

	return strings.NewReplacer(
		PlaceholderBookTitle, title,
		PlaceholderStage, string(stage),
		PlaceholderPages, strconv.Itoa(pages),
	).Replace(tmpl)
}
