// Package output renders nodelink-cli results as a table, JSON or YAML.
//
// Tables are derived from struct fields, using the json tag as the column
// name. Fields tagged `table:"wide"` only appear in wide mode.
package output
