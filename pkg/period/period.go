// Package period resolves the year and month of a monthly ridership run into
// its tag and academic year.
package period

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

var (
	ErrYearFormat  = errors.New(`Incorrect year format. Please format year as "YYYY".`)
	ErrMonthFormat = errors.New(`Incorrect month format. Please format month as "MM".`)
	ErrMonthRange  = errors.New("Incorrect month. Please use a month between 01 and 12.")
)

// Period is a validated calendar month.
type Period struct {
	Year  string
	Month string
}

// ParseYear validates a 4 digit year on its own, for layers that are kept per year.
func ParseYear(year string) (string, error) {
	if len(year) != 4 || !digits(year) {
		return "", ErrYearFormat
	}
	return year, nil
}

// Parse validates a 4 digit year and a 2 digit month.
func Parse(year, month string) (Period, error) {
	if _, err := ParseYear(year); err != nil {
		return Period{}, err
	}
	if len(month) != 2 || !digits(month) {
		return Period{}, ErrMonthFormat
	}
	if month < "01" || month > "12" {
		return Period{}, ErrMonthRange
	}

	return Period{Year: year, Month: month}, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Tag is the year followed by the month, e.g. "201901".
func (p Period) Tag() string {
	return p.Year + p.Month
}

// AcademicYear is the calendar year the July-June academic year started in.
func (p Period) AcademicYear() int {
	year, _ := strconv.Atoi(p.Year)
	if p.Month <= "06" {
		return year - 1
	}
	return year
}

// Label names the feature dataset holding every output of the academic year.
func (p Period) Label() string {
	ay := p.AcademicYear()
	return fmt.Sprintf("Stop_Usage_%d_%d", ay, ay+1)
}

// Suffix is appended to monthly output names, e.g. "2019_01".
func (p Period) Suffix() string {
	return p.Year + "_" + p.Month
}

func (p Period) String() string {
	return p.Year + "-" + p.Month
}
