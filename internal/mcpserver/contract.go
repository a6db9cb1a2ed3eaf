package mcpserver

// DocumentFormat describes the knowledge documents the pipeline writes so
// LLM consumers can interpret what read_document returns.
const DocumentFormat = `# Knowledge Document Format

Every document in the knowledge folder is Markdown with a YAML frontmatter
block. Documents are grouped in one folder per content type and named
` + "`" + `{date}-{type}-{n}.md` + "`" + `.

## Frontmatter

| Key | Meaning |
|---|---|
| id | Stable document id derived from the source capture |
| title | Title produced by the LLM, or the first words of the text |
| date | Capture date (YYYY-MM-DD) from the file name, a spoken marker or the file time |
| time | Optional time of day (HH:MM) |
| type | Content type that selected the folder and the remote collection |
| tags | Lowercase tags from the capture's tag trailer or inline #tags |
| summary, language, emotions, characters | Enrichment fields |
| focus | True when the capture asked for focus; such documents are also linked into the focus collection |
| source_fingerprint | Checksum of the original capture |
| enrichment | ` + "`" + `complete` + "`" + ` or ` + "`" + `incomplete` + "`" + `; incomplete documents list the missing fields under ` + "`" + `unavailable` + "`" + ` and are retried |
| remote_id, collection_id | Identity in the remote knowledge index, written by the sync engine |

## Body

- ` + "`" + `## Transcript` + "`" + ` holds the cleaned source text.
- One ` + "`" + `## <Field>` + "`" + ` section per custom prompt of the content type, in configured order.

## Editing

Edits to the body or frontmatter are pushed to the remote index as an update.
Do not change ` + "`" + `remote_id` + "`" + ` or ` + "`" + `collection_id` + "`" + ` by hand. Changing ` + "`" + `type` + "`" + `
moves the document to the collection of the new type.
`
