package template

// NewTaskTemplate is the prompt for a task picked up for the first time.
const NewTaskTemplate = `# Task {{task_id}}: {{title}}

You are working in a git repository on branch {{branch}}, created from {{base}}.
Implement the task below. Commit your work with clear messages; anything left
uncommitted will be committed for you.

## Description
{{description}}

{{hooks}}

## Rules
- Stay within the scope of the task
- Run the project's tests before finishing
- Do not push, open pull requests or switch branches
- If you cannot proceed without an answer from a human, stop and end your
  final message with a line starting with NEEDS_INPUT: followed by the question
{{extra}}`

// FeedbackTemplate is the prompt for a returning task whose pull request
// received review feedback.
const FeedbackTemplate = `# Task {{task_id}}: {{title}} (review feedback)

You previously implemented this task on branch {{branch}}; the pull request is
{{pr_url}}. Reviewers have asked for changes. The latest {{base}} has already
been merged into the branch.

## Original description
{{description}}

## Feedback to address
{{feedback}}

{{hooks}}

## Rules
- Address every point above, or explain in your final message why not
- Run the project's tests before finishing
- Do not push, open pull requests or switch branches
- If you cannot proceed without an answer from a human, end your final message
  with a line starting with NEEDS_INPUT: followed by the question
{{extra}}`

// ConflictTemplate is the prompt used when merging the base branch stops on
// conflicts.
const ConflictTemplate = `# Resolve merge conflicts for task {{task_id}}: {{title}}

A merge of {{base}} into {{branch}} is in progress and stopped on conflicts in:

{{conflicts}}

Resolve every conflict marker in these files, keeping the intent of both sides.
Do not commit, abort the merge or switch branches; the merge will be completed
for you once no conflicted paths remain.
{{extra}}`
