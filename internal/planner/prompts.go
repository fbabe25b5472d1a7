package planner

const planSystemPrompt = `You are an end-to-end testing expert. You break a business-level test task into the smallest set of clearly defined, atomic browser actions. The actions will be turned into automation code one at a time.`

// planPromptTemplate is filled with the target URL, the query and an
// optional page analysis section.
const planPromptTemplate = `Convert the input below into a JSON object with a single key "actions" whose value is a list of atomic steps.
Rules:
1. Each action is one clear, atomic step that can be turned into code.
2. Use the fewest actions that accomplish the test intent.
3. The first action must always navigate to the target URL.
4. The last action must always assert the expected outcome of the test.
5. If the query contains concrete values (user names, passwords, search text), use those exact values verbatim inside the action text, quoted. Never use placeholders.
6. If the page analysis reports a captcha, insert two steps between entering the credentials and submitting: "Capture the captcha image and recognize it" and "Fill the recognized captcha into the captcha input".
Output only the JSON object, with no comments or explanation around it.

Example
Input: "Log in with username 'admin' and password 'PGzVdj8WnN' and a valid captcha, then click 'Login'."
Output: {"actions": [
  "Navigate to the login page by URL",
  "Fill 'admin' into the 'username' input",
  "Fill 'PGzVdj8WnN' into the 'password' input",
  "Capture the captcha image and recognize it",
  "Fill the recognized captcha into the captcha input",
  "Click the 'Login' button to submit the credentials",
  "Verify the page shows the signed-in home page"
]}

Input: "Add a product to the cart."
Output: {"actions": [
  "Navigate to the product list page by URL",
  "Click the first product in the list to open its details",
  "Click the 'Add to Cart' button",
  "Expect the selected product name to appear in the cart"
]}

Target URL: %s
Query: %s
%sOutput:`

const analysisSystemPrompt = `You are a web application testing expert. Analyze the screenshot of a web page and identify the features and elements that can be tested.`

const analysisPromptTemplate = `Analyze this web page screenshot and identify what can be tested.

Page title: %s
Page URL: %s
User need: %s

Identify the page type (login, registration, form, dashboard, ...), the forms and their fields, the buttons, and test suggestions grounded in the page and the user need.
Return a JSON object with these keys:
- "page_type": string
- "forms": list of {"fields": list of {"name": string, "type": string, "required": bool}}
- "buttons": list of {"text": string, "type": string}
- "test_suggestions": list of strings
- "has_captcha": true if a captcha image or captcha input is visible
Output only the JSON object.`

const testNamePromptTemplate = `Create a name for a test case from the test description and the first actions it performs.
The name must be a valid Python function name in snake_case starting with "test_".
Output only the name.

Query: %s
Actions: %s...`

const casesSystemPrompt = `You are a test case design expert. You design concrete test cases grounded in the elements that actually exist on the page.`

const casesPromptTemplate = `Design test cases for the scenario below.

Scenario: %s
Target URL: %s
Page type: %s
Forms: %s
Buttons: %s
Test suggestions: %s

%s

Each case is a JSON object with:
- "name": case name
- "description": what the case checks
- "user_query": the concrete test request, including the exact input values
- "test_data": object of form field values
- "expected_result": the expected outcome
- "priority": "P0" | "P1" | "P2" | "P3"
- "case_type": "positive" | "negative" | "boundary" | "exception" | "security"
Output only a JSON array of cases.`

const happyPathRequirements = `Generate exactly one positive (happy path) case with priority P0 covering the core flow with realistic data.`

const basicRequirements = `Generate:
1. one positive case (P0) with correct data
2. one negative case (P1) with wrong data such as empty or malformed values
3. one boundary case (P2) with boundary values`

const comprehensiveRequirements = `Generate:
1. positive cases (P0) with correct data
2. negative cases (P1) with empty or malformed data
3. boundary cases (P2) with maximum length and minimum values
4. exception cases (P2) with special characters, SQL injection and XSS payloads
5. security cases (P3) where applicable`
