package ui

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/vanishlist/vanish/internal/schema"
)

// AddInput holds the fields of the interactive add form.
type AddInput struct {
	Text   string
	Amount string
	Unit   string
}

// NewAddInput returns the form defaults: 15 mins.
func NewAddInput() *AddInput {
	return &AddInput{Amount: "15", Unit: schema.UnitMinutes}
}

// Snapshot validates the input and builds the task content.
func (in *AddInput) Snapshot() (schema.Snapshot, error) {
	n, err := strconv.Atoi(strings.TrimSpace(in.Amount))
	if err != nil {
		n = 0
	}
	estimate, err := schema.FormatEstimate(n, in.Unit)
	if err != nil {
		return schema.Snapshot{}, err
	}
	snap := schema.Snapshot{Text: strings.TrimSpace(in.Text), Time: estimate}
	if err := snap.Validate(); err != nil {
		return schema.Snapshot{}, err
	}
	return snap, nil
}

// AddForm builds the interactive form for a new task, bound to in.
func AddForm(in *AddInput) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Task").
				Placeholder("buy milk").
				CharLimit(schema.MaxTextLength).
				Value(&in.Text).
				Validate(schema.ValidateText),
			huh.NewInput().
				Title("Time").
				Value(&in.Amount).
				Validate(validateAmount),
			huh.NewSelect[string]().
				Title("Unit").
				Options(
					huh.NewOption("minutes", schema.UnitMinutes),
					huh.NewOption("hours", schema.UnitHours),
				).
				Value(&in.Unit),
		),
	)
}

func validateAmount(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		n = 0
	}
	_, err = schema.FormatEstimate(n, schema.UnitMinutes)
	return err
}
