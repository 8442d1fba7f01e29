package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// nonViableDivider is the marker text in the first column that separates
// live records from the non-viable section at the bottom of the sheet.
const nonViableDivider = "NON-VIABLE"

// Sheets is the Google Sheets implementation of Store. Row layout: header
// in row 1, live records, then a divider row whose first cell reads
// NON-VIABLE, then dead records.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        zerolog.Logger
}

// NewSheets builds a Sheets store authenticated with a service-account
// credentials file.
func NewSheets(ctx context.Context, credentialsFile, spreadsheetID, sheetName string, logger zerolog.Logger) (*Sheets, error) {
	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	if sheetName == "" {
		sheetName = "Sheet1"
	}
	return &Sheets{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger.With().Str("component", "records").Logger(),
	}, nil
}

// grid is one full read of the sheet, reused across the operations of a
// single call.
type grid struct {
	headers []string
	rows    [][]string // without the header row; rows[i] is sheet row i+2
}

func (s *Sheets) load(ctx context.Context) (*grid, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(resp.Values) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", s.sheetName)
	}
	g := &grid{headers: toStrings(resp.Values[0])}
	for _, raw := range resp.Values[1:] {
		g.rows = append(g.rows, toStrings(raw))
	}
	return g, nil
}

func toStrings(raw []interface{}) []string {
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func (g *grid) col(header string) int {
	for i, h := range g.headers {
		if strings.EqualFold(strings.TrimSpace(h), header) {
			return i
		}
	}
	return -1
}

func (g *grid) cell(row []string, header string) string {
	i := g.col(header)
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// findRow returns the zero-based index into g.rows of the record, or -1.
func (g *grid) findRow(anchor string) int {
	address, city := SplitAnchor(anchor)
	for i, row := range g.rows {
		if strings.EqualFold(g.cell(row, "Property Address"), address) &&
			strings.EqualFold(g.cell(row, "City"), city) {
			return i
		}
	}
	return -1
}

// dividerRow returns the zero-based index into g.rows of the NON-VIABLE
// divider, or -1 when the sheet has no non-viable section yet.
func (g *grid) dividerRow() int {
	for i, row := range g.rows {
		if len(row) > 0 && strings.EqualFold(row[0], nonViableDivider) {
			return i
		}
	}
	return -1
}

// OutreachCandidates returns the live rows above the NON-VIABLE divider
// that carry a contact email.
func (s *Sheets) OutreachCandidates(ctx context.Context) ([]Candidate, error) {
	g, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	end := g.dividerRow()
	if end < 0 {
		end = len(g.rows)
	}

	var out []Candidate
	for _, row := range g.rows[:end] {
		address := g.cell(row, "Property Address")
		email := g.cell(row, "Email")
		if address == "" || email == "" {
			continue
		}
		out = append(out, Candidate{
			Anchor:       Anchor(address, g.cell(row, "City")),
			ContactName:  g.cell(row, "Leasing Contact"),
			ContactEmail: email,
		})
	}
	return out, nil
}

func (s *Sheets) Snapshot(ctx context.Context, anchor string) (map[string]string, error) {
	g, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	idx := g.findRow(anchor)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, anchor)
	}
	snapshot := make(map[string]string, len(g.headers))
	for _, h := range g.headers {
		snapshot[h] = g.cell(g.rows[idx], h)
	}
	return snapshot, nil
}

func (s *Sheets) UpdateFields(ctx context.Context, anchor string, values map[string]string) error {
	g, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := g.findRow(anchor)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, anchor)
	}
	sheetRow := idx + 2 // header is row 1

	var data []*sheets.ValueRange
	for field, value := range values {
		col := g.col(field)
		if col < 0 {
			return fmt.Errorf("unknown column %q", field)
		}
		data = append(data, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!%s%d", s.sheetName, columnLetter(col), sheetRow),
			Values: [][]interface{}{{value}},
		})
	}
	if len(data) == 0 {
		return nil
	}

	_, err = s.svc.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to update record fields: %w", err)
	}
	s.logger.Info().Str("anchor", anchor).Int("fields", len(values)).Msg("record updated")
	return nil
}

// MarkNonViable moves the record's row to the bottom of the sheet, below
// the NON-VIABLE divider. Already-moved rows are left alone.
func (s *Sheets) MarkNonViable(ctx context.Context, anchor string) error {
	g, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := g.findRow(anchor)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, anchor)
	}
	divider := g.dividerRow()
	if divider >= 0 && idx > divider {
		return nil
	}

	sheetID, err := s.sheetID(ctx)
	if err != nil {
		return err
	}

	// Row indices here are zero-based over the whole sheet including the
	// header, as the Sheets API counts them.
	source := int64(idx + 1)
	dest := int64(len(g.rows) + 1)

	_, err = s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			MoveDimension: &sheets.MoveDimensionRequest{
				Source: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: source,
					EndIndex:   source + 1,
				},
				DestinationIndex: dest,
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to move record to non-viable section: %w", err)
	}
	s.logger.Info().Str("anchor", anchor).Msg("record marked non-viable")
	return nil
}

// InsertPending inserts a new candidate row directly above the NON-VIABLE
// divider (or appends when no divider exists) and returns its anchor.
func (s *Sheets) InsertPending(ctx context.Context, values map[string]string) (string, error) {
	anchor := Anchor(values["Property Address"], values["City"])
	if anchor == "|" {
		return "", fmt.Errorf("pending record needs at least an address")
	}

	g, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if g.findRow(anchor) >= 0 {
		return anchor, nil
	}

	insertAt := len(g.rows) + 1 // zero-based sheet row index
	if divider := g.dividerRow(); divider >= 0 {
		insertAt = divider + 1
	}

	sheetID, err := s.sheetID(ctx)
	if err != nil {
		return "", err
	}

	row := make([]interface{}, len(g.headers))
	for i, h := range g.headers {
		row[i] = values[h]
	}

	_, err = s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			InsertDimension: &sheets.InsertDimensionRequest{
				Range: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: int64(insertAt),
					EndIndex:   int64(insertAt + 1),
				},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to insert pending row: %w", err)
	}

	_, err = s.svc.Spreadsheets.Values.Update(s.spreadsheetID,
		fmt.Sprintf("%s!A%d", s.sheetName, insertAt+1),
		&sheets.ValueRange{Values: [][]interface{}{row}},
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to write pending row: %w", err)
	}

	s.logger.Info().Str("anchor", anchor).Msg("pending record inserted")
	return anchor, nil
}

func (s *Sheets) sheetID(ctx context.Context) (int64, error) {
	meta, err := s.svc.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties").
		Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to read spreadsheet metadata: %w", err)
	}
	for _, sh := range meta.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.sheetName {
			return sh.Properties.SheetId, nil
		}
	}
	return 0, fmt.Errorf("sheet %q not found in spreadsheet", s.sheetName)
}

// columnLetter converts a zero-based column index to A1 notation.
func columnLetter(col int) string {
	letters := ""
	for col >= 0 {
		letters = string(rune('A'+col%26)) + letters
		col = col/26 - 1
	}
	return letters
}
