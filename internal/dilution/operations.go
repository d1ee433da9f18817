package dilution

import (
	"github.com/HDRUK/RDMP-sub001/internal/dialect"
)

func init() {
	Register("RoundDateToMiddleOfQuarter", NewRoundDateToMiddleOfQuarter)
	Register("ExcludeRight3OfUKPostcodes", NewExcludeRight3OfUKPostcodes)
	Register("CrushToBitFlag", NewCrushToBitFlag)
	Register("RoundFloatToWholeNumber", NewRoundFloatToWholeNumber)
}

// NewRoundDateToMiddleOfQuarter moves each date to the 15th of the middle
// month of its quarter: 15 Feb, 15 May, 15 Aug or 15 Nov.
func NewRoundDateToMiddleOfQuarter() Operation {
	return &bound{
		name:    "RoundDateToMiddleOfQuarter",
		accepts: []dialect.TypeFamily{dialect.FamilyDate},
		rendered: func(c ColumnToDilute) (string, error) {
			h, col := c.Helper, c.Helper.Wrap(c.Column)
			month := h.IntDiv(h.DatePart(dialect.Month, col)+" - 1", "3") + " * 3 + 2"
			return update(c, h.MakeDate(h.DatePart(dialect.Year, col), month, "15"), col+" IS NOT NULL"), nil
		},
	}
}

// NewExcludeRight3OfUKPostcodes strips spaces and drops the last three
// characters, so only the outward code remains ("SW1A 1AA" becomes "SW1A",
// "M1 1AE" becomes "M1"). Values of three characters or fewer are left alone.
func NewExcludeRight3OfUKPostcodes() Operation {
	return &bound{
		name:    "ExcludeRight3OfUKPostcodes",
		accepts: []dialect.TypeFamily{dialect.FamilyText},
		rendered: func(c ColumnToDilute) (string, error) {
			h, col := c.Helper, c.Helper.Wrap(c.Column)
			length, err := h.GetScalarFunctionSQL(dialect.Len)
			if err != nil {
				return "", err
			}
			squeezed := "REPLACE(" + col + ", ' ', '')"
			n := length + "(" + squeezed + ")"
			return update(c, h.Substring(squeezed, "1", n+" - 3"), n+" > 3"), nil
		},
	}
}

// NewCrushToBitFlag replaces every value with 1, and NULL with 0.
func NewCrushToBitFlag() Operation {
	return &bound{
		name: "CrushToBitFlag",
		accepts: []dialect.TypeFamily{
			dialect.FamilyBool, dialect.FamilyInteger, dialect.FamilyDecimal,
			dialect.FamilyFloat, dialect.FamilyText,
		},
		rendered: func(c ColumnToDilute) (string, error) {
			col := c.Helper.Wrap(c.Column)
			return update(c, "CASE WHEN "+col+" IS NULL THEN 0 ELSE 1 END", ""), nil
		},
	}
}

// NewRoundFloatToWholeNumber rounds to zero decimal places.
func NewRoundFloatToWholeNumber() Operation {
	return &bound{
		name:    "RoundFloatToWholeNumber",
		accepts: []dialect.TypeFamily{dialect.FamilyFloat, dialect.FamilyDecimal},
		rendered: func(c ColumnToDilute) (string, error) {
			col := c.Helper.Wrap(c.Column)
			return update(c, "ROUND("+col+", 0)", col+" IS NOT NULL"), nil
		},
	}
}
