package ai

const routingInstructions = `Classify this email for CRM routing. Support both HubSpot and Salesforce terminology. Return JSON only:
{
  "target_crm": ["hubspot", "salesforce"],
  "primary_object": "contacts|leads|accounts|opportunities|cases|companies|deals|tickets|campaigns|orders|notes|none",
  "secondary_objects": ["contacts", "leads", "accounts"],
  "confidence": 0.0,
  "reasoning": "one sentence explaining the classification",
  "intent": "sales|support|billing|spam|personal|other",
  "urgency": "high|medium|low"
}

Object selection:
  - contacts: individual people already known, general follow-ups
  - leads: new prospects asking about products or services
  - companies / accounts: organization-level discussion
  - deals / opportunities: quotes or requests with a monetary value
  - tickets / cases: support requests, bug reports, access problems
  - campaigns: newsletters and marketing announcements
  - orders: purchase orders
  - none: spam or mail irrelevant to the business

target_crm:
  - include "salesforce" when the email mentions Salesforce, SFDC or Salesforce objects
  - include "hubspot" when the email mentions HubSpot
  - general business email goes to both
  - spam and personal mail goes to neither

confidence is a number between 0 and 1. Never return "none" unless the email is spam or irrelevant.`
