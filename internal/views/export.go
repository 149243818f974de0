package views

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ExportWorkbook writes the derived views to one xlsx workbook with a sheet
// per view. Row order follows the views' deterministic ordering.
func ExportWorkbook(path string, latest []LatestPrice, metrics []ValueMetric, stats []PriceStats) error {
	f := xlsx.NewFile()

	if err := addLatestSheet(f, latest); err != nil {
		return err
	}
	if err := addMetricsSheet(f, metrics); err != nil {
		return err
	}
	if err := addStatsSheet(f, stats); err != nil {
		return err
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "views: save workbook %s", path)
	}
	return nil
}

func addLatestSheet(f *xlsx.File, latest []LatestPrice) error {
	sheet, err := f.AddSheet("latest_prices")
	if err != nil {
		return eris.Wrap(err, "views: add latest_prices sheet")
	}
	addHeader(sheet, []string{
		"variant_id", "retailer", "vendor", "model", "aib", "suffix",
		"vram_gb", "price_eur", "currency", "stock_status", "observed_at", "product_url",
	})
	for _, lp := range latest {
		row := sheet.AddRow()
		row.AddCell().SetString(lp.VariantID)
		row.AddCell().SetString(lp.Retailer)
		row.AddCell().SetString(lp.VendorID)
		row.AddCell().SetString(lp.ModelName)
		row.AddCell().SetString(lp.AIBManufacturer)
		row.AddCell().SetString(strOrEmpty(lp.ModelSuffix))
		row.AddCell().SetString(intOrEmpty(lp.VRAMGB))
		row.AddCell().SetFloat(lp.PriceEUR)
		row.AddCell().SetString(lp.Currency)
		row.AddCell().SetString(string(lp.StockStatus))
		row.AddCell().SetString(lp.ObservedAt.UTC().Format("2006-01-02T15:04:05Z"))
		row.AddCell().SetString(lp.ProductURL)
	}
	return nil
}

func addMetricsSheet(f *xlsx.File, metrics []ValueMetric) error {
	sheet, err := f.AddSheet("value_metrics")
	if err != nil {
		return eris.Wrap(err, "views: add value_metrics sheet")
	}
	addHeader(sheet, []string{
		"variant_id", "model", "aib", "suffix", "best_price_eur",
		"best_retailer", "vram_gb", "eur_per_gb", "eur_per_boost_mhz",
	})
	for _, m := range metrics {
		row := sheet.AddRow()
		row.AddCell().SetString(m.VariantID)
		row.AddCell().SetString(m.ModelName)
		row.AddCell().SetString(m.AIBManufacturer)
		row.AddCell().SetString(strOrEmpty(m.ModelSuffix))
		row.AddCell().SetFloat(m.BestPriceEUR)
		row.AddCell().SetString(m.BestRetailer)
		row.AddCell().SetString(intOrEmpty(m.VRAMGB))
		row.AddCell().SetString(floatOrEmpty(m.EURPerGB))
		row.AddCell().SetString(floatOrEmpty(m.EURPerBoostMHz))
	}
	return nil
}

func addStatsSheet(f *xlsx.File, stats []PriceStats) error {
	sheet, err := f.AddSheet("price_stats")
	if err != nil {
		return eris.Wrap(err, "views: add price_stats sheet")
	}
	addHeader(sheet, []string{
		"variant_id", "model", "aib", "observations",
		"min_price_eur", "max_price_eur", "avg_price_eur",
	})
	for _, s := range stats {
		row := sheet.AddRow()
		row.AddCell().SetString(s.VariantID)
		row.AddCell().SetString(s.ModelName)
		row.AddCell().SetString(s.AIBManufacturer)
		row.AddCell().SetInt(s.Observations)
		row.AddCell().SetFloat(s.MinPriceEUR)
		row.AddCell().SetFloat(s.MaxPriceEUR)
		row.AddCell().SetFloat(s.AvgPriceEUR)
	}
	return nil
}

func addHeader(sheet *xlsx.Sheet, columns []string) {
	row := sheet.AddRow()
	for _, col := range columns {
		row.AddCell().SetString(col)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intOrEmpty(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func floatOrEmpty(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 4, 64)
}
