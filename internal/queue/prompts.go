package queue

import (
	"fmt"
	"strings"
)

// Prompt templates for the semantic worker. Kept together so the summary
// contract (structure, length bounds) is visible in one place.

func overviewPrompt(dirName, kind, childList string) string {
	return fmt.Sprintf(`You are indexing a %s directory named %q for retrieval.

Children (name, kind, one-line summary):
%s
Write a structured breakdown of this directory:
- Open with one paragraph (at most 200 words) stating the directory's purpose and contents. Begin with a purpose statement.
- Then list every child with a one-line description of its role.

Respond in markdown. Do not invent children that are not listed.`, kind, dirName, childList)
}

func fileAbstractPrompt(name, content string) string {
	return fmt.Sprintf(`Summarise the following file %q in one paragraph of at most 120 words.
State what it is about and what a reader would find in it. Respond with the paragraph only.

---
%s`, name, content)
}

func codeWithSkeletonPrompt(name, skeleton, content string) string {
	return fmt.Sprintf(`Summarise the source file %q in one paragraph of at most 120 words.
Use the structural skeleton below as the ground truth for names and signatures; the full
source follows for docstrings and context.

Skeleton:
%s

Source:
%s`, name, skeleton, content)
}

func imageAbstractPrompt(name string) string {
	return fmt.Sprintf(`Describe the attached image %q in one paragraph of at most 80 words,
focusing on what it depicts and any legible text. Respond with the paragraph only.`, name)
}

func combinePartialsPrompt(name string, partials []string) string {
	var b strings.Builder
	for i, p := range partials {
		fmt.Fprintf(&b, "Part %d: %s\n\n", i+1, p)
	}
	return fmt.Sprintf(`The file %q was summarised in parts. Merge the partial summaries below
into one coherent paragraph of at most 120 words. Respond with the paragraph only.

%s`, name, b.String())
}

// DistilPrompt asks the summariser to distil long-term memories from a
// conversation. Used by the session commit pipeline.
func DistilPrompt(transcript string) string {
	return fmt.Sprintf(`Distil long-term memories from the conversation below. Do not transcribe;
extract only durable facts worth remembering across sessions.

Return one memory per line in the exact form:
category|short-slug|text

where category is one of: preferences, facts, events, cases.
- preferences: how the user likes things done
- facts: stable facts about the user or their world
- events: things that happened, with their outcome
- cases: worked examples or solutions worth reusing

Return an empty response if nothing is worth remembering.

Conversation:
%s`, transcript)
}
