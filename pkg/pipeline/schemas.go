package pipeline

// Avro schemas of the CSV files data_prep writes. Field names and order match
// InteractionColumns and ItemColumns.
const (
	interactionsSchema = `{
    "type": "record",
    "name": "Interactions",
    "namespace": "com.amazonaws.personalize.schema",
    "fields": [
        {"name": "USER_ID", "type": "string"},
        {"name": "ITEM_ID", "type": "string"},
        {"name": "EVENT_TYPE", "type": "string"},
        {"name": "TIMESTAMP", "type": "long"}
    ],
    "version": "1.0"
}`

	itemsSchema = `{
    "type": "record",
    "name": "Items",
    "namespace": "com.amazonaws.personalize.schema",
    "fields": [
        {"name": "ITEM_ID", "type": "string"},
        {"name": "GENRES", "type": ["null", "string"], "categorical": true},
        {"name": "YEAR", "type": ["null", "int"]}
    ],
    "version": "1.0"
}`
)

var (
	InteractionColumns = []string{"USER_ID", "ITEM_ID", "EVENT_TYPE", "TIMESTAMP"}
	ItemColumns        = []string{"ITEM_ID", "GENRES", "YEAR"}
)
