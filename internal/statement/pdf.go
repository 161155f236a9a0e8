package statement

import (
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02 15:04:05"

func renderPDF(st *Statement) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Account statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, st.Currency, props.Text{Size: 12, Align: align.Right}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Account: "+st.AccountID, props.Text{Top: 0}),
			text.New("Class: "+string(st.UserClass), props.Text{Top: 4}),
		),
		col.New(6).Add(
			text.New("Period: "+st.From.Format(dateLayout)+" to "+st.To.Format(dateLayout), props.Text{Top: 0, Align: align.Right}),
			text.New("Generated: "+st.GeneratedAt.Format(dateLayout), props.Text{Top: 4, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(8, "Opening balance", props.Text{Style: fontstyle.Bold, Size: 10}),
		text.NewCol(4, money(st.OpeningBalance), props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right}),
	)

	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Kind", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Session", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Balance", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	if len(st.Lines) == 0 {
		m.AddRow(10, text.NewCol(12, "No activity in this period.", props.Text{Size: 9}))
	}
	for _, line := range st.Lines {
		session := ""
		if line.RelatedSessionID != nil {
			session = *line.RelatedSessionID
		}
		m.AddRow(8,
			text.NewCol(3, line.CreatedAt.Format(dateLayout), props.Text{Size: 8}),
			text.NewCol(3, string(line.Kind), props.Text{Size: 8}),
			text.NewCol(2, session, props.Text{Size: 8}),
			text.NewCol(2, money(line.Amount), props.Text{Size: 8, Align: align.Right}),
			text.NewCol(2, money(line.BalanceAfter), props.Text{Size: 8, Align: align.Right}),
		)
	}

	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Credits", props.Text{Size: 9}),
		text.NewCol(2, money(st.TotalCredits), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Debits", props.Text{Size: 9}),
		text.NewCol(2, money(st.TotalDebits.Neg()), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Closing balance", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, money(st.ClosingBalance), props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate statement pdf: %w", err)
	}
	return doc.GetBytes(), nil
}

func money(amount decimal.Decimal) string {
	return amount.StringFixed(4)
}
